// Package addrspace tracks the address spaces of profiled processes and
// resolves sampled addresses into per-library relative addresses. It keeps
// one registry of libraries per profile, per-process and kernel mapping
// tables, and symbol tables for synthetic libraries such as perf maps and
// jitdumps.
package addrspace

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/grafana/pyroscope/addrspace/libmap"
	"github.com/grafana/pyroscope/addrspace/metrics"
)

type ProfileOptions struct {
	Name             string
	ReferenceTime    time.Time
	SamplingInterval time.Duration
	Metrics          *metrics.ResolverMetrics
}

// Profile is the mutable model of one recording. It is not safe for
// concurrent use; callers apply events from a single goroutine.
type Profile struct {
	name      string
	reference time.Time
	interval  time.Duration

	strings *StringTable
	libs    *libTable

	kernelLibs *libmap.Mappings[LibraryHandle]

	processes []*Process
	threads   []*Thread

	metrics *metrics.ResolverMetrics
}

func NewProfile(options ProfileOptions) *Profile {
	if options.Metrics == nil {
		panic("metrics is nil")
	}
	if options.Name == "" {
		options.Name = "profile"
	}
	if options.ReferenceTime.IsZero() {
		options.ReferenceTime = time.Now()
	}
	if options.SamplingInterval == 0 {
		options.SamplingInterval = time.Millisecond
	}
	strings := NewStringTable()
	return &Profile{
		name:       options.Name,
		reference:  options.ReferenceTime,
		interval:   options.SamplingInterval,
		strings:    strings,
		libs:       newLibTable(strings, options.Metrics),
		kernelLibs: libmap.New[LibraryHandle](),
		metrics:    options.Metrics,
	}
}

func (p *Profile) Name() string {
	return p.name
}

func (p *Profile) ReferenceTime() time.Time {
	return p.reference
}

func (p *Profile) SamplingInterval() time.Duration {
	return p.interval
}

func (p *Profile) Strings() *StringTable {
	return p.strings
}

// AddProcess creates a new process. Calling it again with the same pid
// creates a separate process; pids are only unique at a point in time.
func (p *Profile) AddProcess(pid string, name string, startTime Timestamp) ProcessHandle {
	h := ProcessHandle(len(p.processes))
	p.processes = append(p.processes, &Process{
		pid:        pid,
		name:       name,
		startTime:  startTime,
		mainThread: noThread,
		libs:       libmap.New[LibraryHandle](),
	})
	return h
}

func (p *Profile) Process(h ProcessHandle) *Process {
	return p.processes[h]
}

func (p *Profile) ProcessCount() int {
	return len(p.processes)
}

func (p *Profile) SetProcessName(h ProcessHandle, name string) {
	p.processes[h].name = name
}

func (p *Profile) SetProcessStartTime(h ProcessHandle, t Timestamp) {
	p.processes[h].startTime = t
}

// SetProcessEndTime records when the process exited and marks it ended.
func (p *Profile) SetProcessEndTime(h ProcessHandle, t Timestamp) {
	proc := p.processes[h]
	proc.endTime = t
	proc.ended = true
}

// ProcessesForOutput returns all process handles in output order, see
// Process.CompareForOutput.
func (p *Profile) ProcessesForOutput() []ProcessHandle {
	hs := make([]ProcessHandle, len(p.processes))
	for i := range hs {
		hs[i] = ProcessHandle(i)
	}
	slices.SortFunc(hs, func(a, b ProcessHandle) int {
		return p.processes[a].CompareForOutput(p.processes[b])
	})
	return hs
}

// AddThread creates a thread in the given process. The first thread added
// with isMain set becomes the process main thread; later ones do not
// replace it.
func (p *Profile) AddThread(process ProcessHandle, tid string, startTime Timestamp, isMain bool) ThreadHandle {
	h := ThreadHandle(len(p.threads))
	p.threads = append(p.threads, &Thread{
		process:   process,
		tid:       tid,
		startTime: startTime,
		isMain:    isMain,
	})
	proc := p.processes[process]
	proc.threads = append(proc.threads, h)
	if isMain && proc.mainThread == noThread {
		proc.mainThread = h
	}
	return h
}

func (p *Profile) Thread(h ThreadHandle) *Thread {
	return p.threads[h]
}

func (p *Profile) ThreadCount() int {
	return len(p.threads)
}

func (p *Profile) SetThreadName(h ThreadHandle, name string) {
	p.threads[h].name = name
}

func (p *Profile) SetThreadEndTime(h ThreadHandle, t Timestamp) {
	th := p.threads[h]
	th.endTime = t
	th.ended = true
}

// AddLib registers a library and returns its handle. Libraries are interned
// by (debug id, path), so registering the same library twice returns the
// same handle.
func (p *Profile) AddLib(info LibraryInfo) LibraryHandle {
	return p.libs.add(info)
}

func (p *Profile) LibInfo(h LibraryHandle) LibraryInfo {
	return p.libs.info(h)
}

func (p *Profile) SetLibSymbolTable(h LibraryHandle, table *SymbolTable) {
	p.libs.setSymbolTable(h, table)
}

func (p *Profile) LibSymbolTable(h LibraryHandle) *SymbolTable {
	return p.libs.symbolTable(h)
}

func (p *Profile) AddLibMapping(process ProcessHandle, lib LibraryHandle, startAvma, endAvma uint64, relOffset uint32) {
	p.libs.check(lib)
	p.processes[process].libs.Add(startAvma, endAvma, relOffset, lib)
}

func (p *Profile) RemoveLibMapping(process ProcessHandle, startAvma uint64) {
	p.processes[process].libs.Remove(startAvma)
}

// ClearLibMappings drops every mapping of the process, typically on exec.
func (p *Profile) ClearLibMappings(process ProcessHandle) {
	p.processes[process].libs.Clear()
}

func (p *Profile) AddKernelLibMapping(lib LibraryHandle, startAvma, endAvma uint64, relOffset uint32) {
	p.libs.check(lib)
	p.kernelLibs.Add(startAvma, endAvma, relOffset, lib)
}

func (p *Profile) RemoveKernelLibMapping(startAvma uint64) {
	p.kernelLibs.Remove(startAvma)
}

// ResolveAddress translates a sampled address into a frame address. Kernel
// mappings take precedence over the process's own mappings. Resolving an
// address marks the hit library used, which assigns its used index and
// interns its display name on first hit. Addresses that match nothing come
// back unresolved, never as an error.
func (p *Profile) ResolveAddress(process ProcessHandle, avma uint64) FrameAddress {
	if rel, lib, ok := p.kernelLibs.Lookup(avma); ok {
		p.metrics.ResolvedFrames.WithLabelValues("kernel").Inc()
		return LibraryFrame(avma, rel, p.libs.markUsed(lib))
	}
	if rel, lib, ok := p.processes[process].libs.Lookup(avma); ok {
		p.metrics.ResolvedFrames.WithLabelValues("process").Inc()
		return LibraryFrame(avma, rel, p.libs.markUsed(lib))
	}
	p.metrics.UnknownFrames.Inc()
	return UnknownFrame(avma)
}

// ResolveSymbol names a resolved frame using the library's symbol table.
func (p *Profile) ResolveSymbol(f FrameAddress) (Symbol, bool) {
	if !f.InLibrary() {
		return Symbol{}, false
	}
	st := p.libs.symbolTable(p.libs.usedHandle(f.Lib))
	if st == nil {
		return Symbol{}, false
	}
	return st.Lookup(f.Rel)
}

func (p *Profile) UsedLibCount() int {
	return p.libs.usedCount()
}

// UsedLib returns the library behind a used index.
func (p *Profile) UsedLib(idx UsedLibIndex) LibraryInfo {
	return p.libs.info(p.libs.usedHandle(idx))
}

// UsedLibName returns the interned display name of a used library.
func (p *Profile) UsedLibName(idx UsedLibIndex) string {
	return p.strings.Get(p.libs.usedName[idx])
}

// UsedLibSymbolTable returns the symbol table of a used library, nil when
// the library has none.
func (p *Profile) UsedLibSymbolTable(idx UsedLibIndex) *SymbolTable {
	return p.libs.symbolTable(p.libs.usedHandle(idx))
}

type ProfileDebugInfo struct {
	Processes      int `json:"processes"`
	Threads        int `json:"threads"`
	KnownLibs      int `json:"known_libs"`
	UsedLibs       int `json:"used_libs"`
	Strings        int `json:"strings"`
	KernelMappings int `json:"kernel_mappings"`
}

func (p *Profile) DebugInfo() ProfileDebugInfo {
	return ProfileDebugInfo{
		Processes:      len(p.processes),
		Threads:        len(p.threads),
		KnownLibs:      len(p.libs.libs),
		UsedLibs:       p.libs.usedCount(),
		Strings:        p.strings.Len(),
		KernelMappings: p.kernelLibs.Len(),
	}
}
