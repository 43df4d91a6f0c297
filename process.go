package addrspace

import (
	"fmt"
	"strings"

	"github.com/grafana/pyroscope/addrspace/libmap"
)

type ProcessHandle int

type ThreadHandle int

const noThread ThreadHandle = -1

// Process is one tracked address space. Pids are strings rather than
// integers so that recordings spanning pid reuse can keep distinct
// processes apart, and so that sources do not need to agree on a pid width.
type Process struct {
	pid  string
	name string

	startTime Timestamp
	endTime   Timestamp
	ended     bool

	mainThread ThreadHandle
	threads    []ThreadHandle

	libs *libmap.Mappings[LibraryHandle]
}

func (p *Process) Pid() string {
	return p.pid
}

func (p *Process) Name() string {
	return p.name
}

func (p *Process) StartTime() Timestamp {
	return p.startTime
}

func (p *Process) EndTime() (Timestamp, bool) {
	return p.endTime, p.ended
}

func (p *Process) MainThread() (ThreadHandle, bool) {
	if p.mainThread == noThread {
		return 0, false
	}
	return p.mainThread, true
}

// Threads returns thread handles in creation order.
func (p *Process) Threads() []ThreadHandle {
	return p.threads
}

func (p *Process) MappingCount() int {
	return p.libs.Len()
}

// CompareForOutput orders processes for deterministic output: by start time,
// then by pid string. The pid comparison is lexicographic, so pid "10"
// sorts before pid "2".
func (p *Process) CompareForOutput(other *Process) int {
	if p.startTime != other.startTime {
		if p.startTime.Before(other.startTime) {
			return -1
		}
		return 1
	}
	return strings.Compare(p.pid, other.pid)
}

func (p *Process) DebugString() string {
	return fmt.Sprintf("Process{pid=%s name=%q threads=%d mappings=%d}",
		p.pid, p.name, len(p.threads), p.libs.Len())
}

type Thread struct {
	process ProcessHandle
	tid     string
	name    string

	startTime Timestamp
	endTime   Timestamp
	ended     bool

	isMain bool
}

func (t *Thread) Process() ProcessHandle {
	return t.process
}

func (t *Thread) Tid() string {
	return t.tid
}

func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) StartTime() Timestamp {
	return t.startTime
}

func (t *Thread) EndTime() (Timestamp, bool) {
	return t.endTime, t.ended
}

func (t *Thread) IsMain() bool {
	return t.isMain
}
