package addrspace

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

// Symbol is a named range in a library's relative address space. Size 0
// means the extent is unknown and the symbol covers addresses up to the
// next symbol.
type Symbol struct {
	Rel  uint32
	Size uint32
	Name string
}

// SymbolTable resolves relative addresses inside one library.
type SymbolTable struct {
	symbols []Symbol
}

func NewSymbolTable(symbols []Symbol) *SymbolTable {
	s := slices.Clone(symbols)
	slices.SortFunc(s, func(a, b Symbol) int {
		if a.Rel != b.Rel {
			if a.Rel < b.Rel {
				return -1
			}
			return 1
		}
		return 0
	})
	return &SymbolTable{symbols: s}
}

func (t *SymbolTable) Len() int {
	return len(t.symbols)
}

func (t *SymbolTable) Symbols() []Symbol {
	return t.symbols
}

// Lookup finds the symbol covering rel.
func (t *SymbolTable) Lookup(rel uint32) (Symbol, bool) {
	i := sort.Search(len(t.symbols), func(i int) bool {
		return t.symbols[i].Rel > rel
	})
	i--
	if i < 0 {
		return Symbol{}, false
	}
	sym := t.symbols[i]
	if sym.Size != 0 && rel >= sym.Rel+sym.Size {
		return Symbol{}, false
	}
	return sym, true
}

func (t *SymbolTable) DebugString() string {
	return fmt.Sprintf("SymbolTable{symbols=%d}", len(t.symbols))
}
