package perfmap

import "github.com/grafana/pyroscope/addrspace"

// Recycler substitutes the placement an equivalent function received in an
// earlier recording, so that repeated recordings of the same program keep
// stable (library, relative address) pairs for unchanged JIT functions.
type Recycler interface {
	Recycle(name string, size uint32, lib addrspace.LibraryHandle, rel uint32) (addrspace.LibraryHandle, uint32)
}

type recycleKey struct {
	name string
	size uint32
}

type placement struct {
	lib addrspace.LibraryHandle
	rel uint32
}

// FunctionRecycler remembers the first placement of every (name, size) pair
// and hands it back on later sightings. It must only be shared between
// loads into the same Profile, since it stores library handles.
type FunctionRecycler struct {
	seen map[recycleKey]placement
}

func NewFunctionRecycler() *FunctionRecycler {
	return &FunctionRecycler{seen: make(map[recycleKey]placement)}
}

func (r *FunctionRecycler) Recycle(name string, size uint32, lib addrspace.LibraryHandle, rel uint32) (addrspace.LibraryHandle, uint32) {
	k := recycleKey{name: name, size: size}
	if p, ok := r.seen[k]; ok {
		return p.lib, p.rel
	}
	r.seen[k] = placement{lib: lib, rel: rel}
	return lib, rel
}

func (r *FunctionRecycler) Len() int {
	return len(r.seen)
}
