// Package ingest turns recorded trace event streams into an addrspace
// Profile. Sources are JSON lines ordered by timestamp; multiple sources
// are decoded concurrently and merged into one timestamp-ordered stream
// before they touch the profile.
package ingest

// Event types. Every event carries a trace-clock timestamp in nanoseconds;
// pid and tid are strings, matching the profile model.
const (
	EventProcessStart = "process_start"
	EventProcessName  = "process_name"
	EventProcessExit  = "process_exit"
	EventThreadStart  = "thread_start"
	EventThreadName   = "thread_name"
	EventThreadExit   = "thread_exit"
	EventLibLoad      = "lib_load"
	EventLibUnload    = "lib_unload"
	EventLibUnloadAll = "lib_unload_all"
	EventExec         = "exec"
	EventKernelLoad   = "kernel_lib_load"
	EventKernelUnload = "kernel_lib_unload"
	EventJitDump      = "jitdump"
	EventSample       = "sample"
)

// LibInfo is the library payload of lib_load and kernel_lib_load events.
type LibInfo struct {
	Name      string `json:"name,omitempty"`
	Path      string `json:"path,omitempty"`
	DebugName string `json:"debug_name,omitempty"`
	DebugPath string `json:"debug_path,omitempty"`
	DebugID   string `json:"debug_id,omitempty"`
	CodeID    string `json:"code_id,omitempty"`
	Arch      string `json:"arch,omitempty"`
}

// Event is one line of a trace source. Unused fields stay zero; which
// fields matter depends on Type.
//
// Samples without a tid are attributed to a synthetic main thread whose tid
// equals the pid, the way the main thread appears in /proc.
type Event struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
	Pid  string `json:"pid,omitempty"`
	Tid  string `json:"tid,omitempty"`

	Name   string `json:"name,omitempty"`
	IsMain bool   `json:"is_main,omitempty"`

	Start     uint64   `json:"start,omitempty"`
	End       uint64   `json:"end,omitempty"`
	RelOffset uint32   `json:"rel_offset,omitempty"`
	Lib       *LibInfo `json:"lib,omitempty"`

	Path string `json:"path,omitempty"`

	Addrs  []uint64 `json:"addrs,omitempty"`
	Weight int64    `json:"weight,omitempty"`
}

func knownEventType(t string) bool {
	switch t {
	case EventProcessStart, EventProcessName, EventProcessExit,
		EventThreadStart, EventThreadName, EventThreadExit,
		EventLibLoad, EventLibUnload, EventLibUnloadAll, EventExec,
		EventKernelLoad, EventKernelUnload,
		EventJitDump, EventSample:
		return true
	}
	return false
}
