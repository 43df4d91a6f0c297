package ingest

import (
	"strings"

	"github.com/go-kit/log/level"

	"github.com/grafana/pyroscope/addrspace"
)

func (p *Pipeline) applyEvent(ev Event) {
	typ := ev.Type
	if !knownEventType(typ) {
		typ = "unknown"
	}
	p.metrics.Ingest.Events.WithLabelValues(typ).Inc()
	if ev.TS < p.lastTS {
		p.metrics.Ingest.OutOfOrderEvents.Inc()
	} else {
		p.lastTS = ev.TS
	}
	switch ev.Type {
	case EventProcessStart:
		p.handleProcessStart(ev)
	case EventProcessName:
		p.handleProcessName(ev)
	case EventProcessExit:
		p.handleProcessExit(ev)
	case EventThreadStart:
		p.handleThreadStart(ev)
	case EventThreadName:
		p.handleThreadName(ev)
	case EventThreadExit:
		p.handleThreadExit(ev)
	case EventLibLoad:
		p.handleLibLoad(ev)
	case EventLibUnload:
		p.handleLibUnload(ev)
	case EventLibUnloadAll:
		p.handleLibUnloadAll(ev)
	case EventExec:
		p.handleExec(ev)
	case EventKernelLoad:
		p.handleKernelLoad(ev)
	case EventKernelUnload:
		p.handleKernelUnload(ev)
	case EventJitDump:
		p.handleJitDump(ev)
	case EventSample:
		p.handleSample(ev)
	default:
		return
	}
	p.eventsApplied++
}

// admitOrDeny decides whether events for the pid pass the target filter.
// The decision sticks until the process exits; a reused pid gets a fresh
// one. An empty name only checks the pid part of the filter.
func (p *Pipeline) admitOrDeny(pid, name string) bool {
	if p.denied[pid] {
		p.metrics.Ingest.DroppedEvents.Inc()
		return false
	}
	if p.options.Filter != nil && !p.options.Filter.Admit(pid, name) {
		p.denied[pid] = true
		p.metrics.Ingest.DroppedEvents.Inc()
		_ = level.Debug(p.logger).Log("msg", "process filtered out", "pid", pid, "name", name)
		return false
	}
	return true
}

// ensureProcess returns the live process for the event's pid. Samples and
// thread events may arrive before process_start; those create a provisional
// process with an unknown name.
func (p *Pipeline) ensureProcess(ev Event) addrspace.ProcessHandle {
	if h, ok := p.procs[ev.Pid]; ok {
		return h
	}
	h := p.profile.AddProcess(ev.Pid, "", p.conv.Convert(ev.TS))
	p.procs[ev.Pid] = h
	return h
}

func (p *Pipeline) ensureThread(ev Event) addrspace.ThreadHandle {
	proc := p.ensureProcess(ev)
	tid := ev.Tid
	if tid == "" {
		tid = ev.Pid
	}
	key := threadKey(ev.Pid, tid)
	if h, ok := p.threads[key]; ok {
		return h
	}
	h := p.profile.AddThread(proc, tid, p.conv.Convert(ev.TS), tid == ev.Pid)
	p.threads[key] = h
	return h
}

func threadKey(pid, tid string) string {
	return pid + "/" + tid
}

func (p *Pipeline) handleProcessStart(ev Event) {
	if !p.admitOrDeny(ev.Pid, ev.Name) {
		return
	}
	if h, ok := p.procs[ev.Pid]; ok {
		if ev.Name != "" {
			p.profile.SetProcessName(h, ev.Name)
		}
		p.profile.SetProcessStartTime(h, p.conv.Convert(ev.TS))
		return
	}
	p.procs[ev.Pid] = p.profile.AddProcess(ev.Pid, ev.Name, p.conv.Convert(ev.TS))
}

func (p *Pipeline) handleProcessName(ev Event) {
	if !p.admitOrDeny(ev.Pid, ev.Name) {
		return
	}
	p.profile.SetProcessName(p.ensureProcess(ev), ev.Name)
}

func (p *Pipeline) handleProcessExit(ev Event) {
	if p.denied[ev.Pid] {
		p.metrics.Ingest.DroppedEvents.Inc()
		delete(p.denied, ev.Pid)
		return
	}
	h, ok := p.procs[ev.Pid]
	if !ok {
		return
	}
	p.profile.SetProcessEndTime(h, p.conv.Convert(ev.TS))
	p.loadJit(ev.Pid, h)
	delete(p.procs, ev.Pid)
	delete(p.jitdumps, ev.Pid)
	prefix := ev.Pid + "/"
	for key := range p.threads {
		if strings.HasPrefix(key, prefix) {
			delete(p.threads, key)
		}
	}
}

func (p *Pipeline) handleThreadStart(ev Event) {
	if !p.admitOrDeny(ev.Pid, "") {
		return
	}
	proc := p.ensureProcess(ev)
	tid := ev.Tid
	if tid == "" {
		tid = ev.Pid
	}
	key := threadKey(ev.Pid, tid)
	h, ok := p.threads[key]
	if !ok {
		h = p.profile.AddThread(proc, tid, p.conv.Convert(ev.TS), ev.IsMain || tid == ev.Pid)
		p.threads[key] = h
	}
	if ev.Name != "" {
		p.profile.SetThreadName(h, ev.Name)
	}
}

func (p *Pipeline) handleThreadName(ev Event) {
	if !p.admitOrDeny(ev.Pid, "") {
		return
	}
	p.profile.SetThreadName(p.ensureThread(ev), ev.Name)
}

func (p *Pipeline) handleThreadExit(ev Event) {
	if p.denied[ev.Pid] {
		p.metrics.Ingest.DroppedEvents.Inc()
		return
	}
	tid := ev.Tid
	if tid == "" {
		tid = ev.Pid
	}
	key := threadKey(ev.Pid, tid)
	h, ok := p.threads[key]
	if !ok {
		return
	}
	p.profile.SetThreadEndTime(h, p.conv.Convert(ev.TS))
	delete(p.threads, key)
}

func (p *Pipeline) handleLibLoad(ev Event) {
	if ev.Lib == nil || ev.End <= ev.Start {
		p.metrics.Ingest.MalformedEvents.Inc()
		return
	}
	if !p.admitOrDeny(ev.Pid, "") {
		return
	}
	proc := p.ensureProcess(ev)
	lib := p.profile.AddLib(libInfo(ev.Lib))
	p.profile.AddLibMapping(proc, lib, ev.Start, ev.End, ev.RelOffset)
}

func (p *Pipeline) handleLibUnload(ev Event) {
	if p.denied[ev.Pid] {
		p.metrics.Ingest.DroppedEvents.Inc()
		return
	}
	h, ok := p.procs[ev.Pid]
	if !ok {
		return
	}
	p.profile.RemoveLibMapping(h, ev.Start)
}

func (p *Pipeline) handleLibUnloadAll(ev Event) {
	if p.denied[ev.Pid] {
		p.metrics.Ingest.DroppedEvents.Inc()
		return
	}
	h, ok := p.procs[ev.Pid]
	if !ok {
		return
	}
	p.profile.ClearLibMappings(h)
}

// handleExec drops the old image: all mappings go away and any announced
// jitdump no longer applies. The process identity stays.
func (p *Pipeline) handleExec(ev Event) {
	if !p.admitOrDeny(ev.Pid, ev.Name) {
		return
	}
	h := p.ensureProcess(ev)
	p.profile.ClearLibMappings(h)
	if ev.Name != "" {
		p.profile.SetProcessName(h, ev.Name)
	}
	delete(p.jitdumps, ev.Pid)
}

func (p *Pipeline) handleKernelLoad(ev Event) {
	if ev.Lib == nil || ev.End <= ev.Start {
		p.metrics.Ingest.MalformedEvents.Inc()
		return
	}
	lib := p.profile.AddLib(libInfo(ev.Lib))
	p.profile.AddKernelLibMapping(lib, ev.Start, ev.End, ev.RelOffset)
}

func (p *Pipeline) handleKernelUnload(ev Event) {
	p.profile.RemoveKernelLibMapping(ev.Start)
}

func (p *Pipeline) handleJitDump(ev Event) {
	if ev.Path == "" {
		p.metrics.Ingest.MalformedEvents.Inc()
		return
	}
	if !p.admitOrDeny(ev.Pid, "") {
		return
	}
	p.ensureProcess(ev)
	p.jitdumps[ev.Pid] = ev.Path
}

func (p *Pipeline) handleSample(ev Event) {
	if len(ev.Addrs) == 0 {
		p.metrics.Ingest.MalformedEvents.Inc()
		return
	}
	if !p.admitOrDeny(ev.Pid, "") {
		return
	}
	proc := p.ensureProcess(ev)
	th := p.ensureThread(ev)
	weight := ev.Weight
	if weight == 0 {
		weight = 1
	}
	p.stack = p.stack[:0]
	for _, avma := range ev.Addrs {
		p.stack = append(p.stack, p.profile.ResolveAddress(proc, avma))
	}
	p.consumer.ConsumeSample(proc, th, p.conv.Convert(ev.TS), weight, p.stack)
}

func libInfo(li *LibInfo) addrspace.LibraryInfo {
	debugID := addrspace.DebugID(li.DebugID)
	if debugID.Empty() && li.CodeID != "" {
		debugID = addrspace.DebugIDFromCodeID(li.CodeID)
	}
	return addrspace.LibraryInfo{
		Name:      li.Name,
		Path:      li.Path,
		DebugName: li.DebugName,
		DebugPath: li.DebugPath,
		DebugID:   debugID,
		CodeID:    li.CodeID,
		Arch:      li.Arch,
	}
}
