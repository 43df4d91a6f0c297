package addrspace

import (
	"fmt"
	"time"
)

// Timestamp is a moment on the profile timeline, in nanoseconds since the
// profile reference time.
type Timestamp int64

func (t Timestamp) Nanoseconds() int64 {
	return int64(t)
}

func (t Timestamp) Before(other Timestamp) bool {
	return t < other
}

func (t Timestamp) Duration() time.Duration {
	return time.Duration(t)
}

// FrameAddress is the result of resolving one sampled address. Avma always
// carries the address as observed. For frames that hit a mapping, Rel is the
// address in the library's relative space and Lib is the library's used
// index; unresolved frames carry NoUsedLib.
type FrameAddress struct {
	Avma uint64
	Rel  uint32
	Lib  UsedLibIndex
}

func UnknownFrame(avma uint64) FrameAddress {
	return FrameAddress{Avma: avma, Lib: NoUsedLib}
}

func LibraryFrame(avma uint64, rel uint32, lib UsedLibIndex) FrameAddress {
	return FrameAddress{Avma: avma, Rel: rel, Lib: lib}
}

func (f FrameAddress) InLibrary() bool {
	return f.Lib != NoUsedLib
}

func (f FrameAddress) String() string {
	if !f.InLibrary() {
		return fmt.Sprintf("0x%x (?)", f.Avma)
	}
	return fmt.Sprintf("0x%x (lib %d +0x%x)", f.Avma, f.Lib, f.Rel)
}
