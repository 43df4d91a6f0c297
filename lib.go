package addrspace

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/grafana/pyroscope/addrspace/metrics"
)

// LibraryHandle identifies a registered library within one Profile.
// Handles from one Profile must not be used with another.
type LibraryHandle int

// UsedLibIndex is the dense index a library gets when a resolved frame
// references it for the first time. Indices count up from zero in first-use
// order and are stable for the lifetime of the Profile.
type UsedLibIndex int32

// NoUsedLib marks a frame that resolved to no library.
const NoUsedLib UsedLibIndex = -1

// DebugID identifies a library build. Libraries without real debug info
// carry an id derived from their content, or none at all.
type DebugID string

// EmptyDebugID is the id of a library with no debug info of any kind.
const EmptyDebugID DebugID = ""

func (d DebugID) Empty() bool {
	return d == ""
}

// DebugIDFromBytes derives a stable id from raw content. It is not a
// breakpad id, just a fingerprint for synthetic libraries.
func DebugIDFromBytes(data []byte) DebugID {
	return DebugID(fmt.Sprintf("%016x%016x", xxhash.Sum64(data), uint64(len(data))))
}

// DebugIDFromCodeID derives a debug id from a build-time code id, such as
// an ELF build id: the id is lowercased and truncated or zero-padded to
// debug id width.
func DebugIDFromCodeID(codeID string) DebugID {
	if codeID == "" {
		return EmptyDebugID
	}
	id := strings.ToLower(codeID)
	if len(id) > 32 {
		return DebugID(id[:32])
	}
	return DebugID(id + strings.Repeat("0", 32-len(id)))
}

type LibraryInfo struct {
	Name      string
	Path      string
	DebugName string
	DebugPath string
	DebugID   DebugID
	CodeID    string
	Arch      string
}

func (l *LibraryInfo) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Path
}

type libKey struct {
	debugID DebugID
	path    string
}

// libTable interns libraries by (debug id, path) and tracks which of them
// have been referenced by resolved frames.
type libTable struct {
	libs    []LibraryInfo
	lookup  map[libKey]LibraryHandle
	symtabs []*SymbolTable

	used      []LibraryHandle // dense, in first-use order
	usedIndex []UsedLibIndex  // by handle, NoUsedLib until first use
	usedName  []StringIndex   // by used index, interned display name

	strings *StringTable
	metrics *metrics.ResolverMetrics
}

func newLibTable(strings *StringTable, m *metrics.ResolverMetrics) *libTable {
	return &libTable{
		lookup:  make(map[libKey]LibraryHandle),
		strings: strings,
		metrics: m,
	}
}

func (t *libTable) add(info LibraryInfo) LibraryHandle {
	k := libKey{debugID: info.DebugID, path: info.Path}
	if h, ok := t.lookup[k]; ok {
		return h
	}
	h := LibraryHandle(len(t.libs))
	t.libs = append(t.libs, info)
	t.symtabs = append(t.symtabs, nil)
	t.usedIndex = append(t.usedIndex, NoUsedLib)
	t.lookup[k] = h
	t.metrics.KnownLibs.Inc()
	return h
}

func (t *libTable) info(h LibraryHandle) LibraryInfo {
	t.check(h)
	return t.libs[h]
}

// markUsed assigns h its used index on first call and returns the same
// index on every later call. The display name is interned exactly once.
func (t *libTable) markUsed(h LibraryHandle) UsedLibIndex {
	t.check(h)
	if idx := t.usedIndex[h]; idx != NoUsedLib {
		return idx
	}
	idx := UsedLibIndex(len(t.used))
	t.used = append(t.used, h)
	t.usedIndex[h] = idx
	info := &t.libs[h]
	t.usedName = append(t.usedName, t.strings.Intern(info.DisplayName()))
	t.metrics.UsedLibs.Inc()
	return idx
}

func (t *libTable) usedCount() int {
	return len(t.used)
}

func (t *libTable) usedHandle(idx UsedLibIndex) LibraryHandle {
	return t.used[idx]
}

func (t *libTable) setSymbolTable(h LibraryHandle, st *SymbolTable) {
	t.check(h)
	t.symtabs[h] = st
}

func (t *libTable) symbolTable(h LibraryHandle) *SymbolTable {
	t.check(h)
	return t.symtabs[h]
}

func (t *libTable) check(h LibraryHandle) {
	if h < 0 || int(h) >= len(t.libs) {
		panic(fmt.Sprintf("foreign library handle %d", h))
	}
}
