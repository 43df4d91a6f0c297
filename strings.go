package addrspace

import "golang.org/x/exp/slices"

type StringIndex int32

// StringTable interns strings and hands out dense indices in first-intern
// order.
type StringTable struct {
	strings []string
	lookup  map[string]StringIndex
}

func NewStringTable() *StringTable {
	return &StringTable{lookup: make(map[string]StringIndex)}
}

func (t *StringTable) Intern(s string) StringIndex {
	if i, ok := t.lookup[s]; ok {
		return i
	}
	i := StringIndex(len(t.strings))
	t.strings = append(t.strings, s)
	t.lookup[s] = i
	return i
}

func (t *StringTable) Get(i StringIndex) string {
	return t.strings[i]
}

func (t *StringTable) Len() int {
	return len(t.strings)
}

// Strings returns the interned strings in index order.
func (t *StringTable) Strings() []string {
	return slices.Clone(t.strings)
}
