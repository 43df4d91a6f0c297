// Package libmap maintains the set of address ranges a library occupies
// inside one address space and answers point lookups on it.
package libmap

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

// Mapping is a half-open address range [Start, End) occupied by a value,
// typically a library handle. RelOffset is the relative offset at Start, so
// an address a inside the range translates to RelOffset + (a - Start).
type Mapping[T any] struct {
	Start     uint64
	End       uint64
	RelOffset uint32
	Value     T
}

// Mappings keeps mappings ordered by start address and pairwise disjoint.
// The zero value is not usable, call New.
type Mappings[T any] struct {
	mappings []Mapping[T]
}

func New[T any]() *Mappings[T] {
	return &Mappings[T]{}
}

// Add inserts the mapping [start, end). Mappings that overlap the new range
// are removed whole, including their parts outside [start, end).
func (m *Mappings[T]) Add(start, end uint64, relOffset uint32, value T) {
	removalStart := start
	if i := m.floor(start); i >= 0 && m.mappings[i].End > start {
		removalStart = m.mappings[i].Start
	}
	lo := m.lowerBound(removalStart)
	hi := m.lowerBound(end)
	if hi < lo {
		hi = lo
	}
	m.mappings = append(m.mappings[:lo], m.mappings[hi:]...)

	nm := Mapping[T]{Start: start, End: end, RelOffset: relOffset, Value: value}
	i := m.lowerBound(start)
	if i < len(m.mappings) && m.mappings[i].Start == start {
		m.mappings[i] = nm
		return
	}
	m.mappings = append(m.mappings, Mapping[T]{})
	copy(m.mappings[i+1:], m.mappings[i:])
	m.mappings[i] = nm
}

// Remove drops the mapping that starts exactly at start. Removing an unknown
// start address does nothing.
func (m *Mappings[T]) Remove(start uint64) {
	i := m.lowerBound(start)
	if i >= len(m.mappings) || m.mappings[i].Start != start {
		return
	}
	m.mappings = append(m.mappings[:i], m.mappings[i+1:]...)
}

// Lookup finds the mapping containing avma and translates avma into the
// mapping's relative address space.
func (m *Mappings[T]) Lookup(avma uint64) (uint32, T, bool) {
	i := m.floor(avma)
	if i < 0 || avma >= m.mappings[i].End {
		var zero T
		return 0, zero, false
	}
	mp := &m.mappings[i]
	return mp.RelOffset + uint32(avma-mp.Start), mp.Value, true
}

func (m *Mappings[T]) Clear() {
	m.mappings = m.mappings[:0]
}

func (m *Mappings[T]) Len() int {
	return len(m.mappings)
}

// Entries returns the mappings in ascending start order.
func (m *Mappings[T]) Entries() []Mapping[T] {
	return slices.Clone(m.mappings)
}

func (m *Mappings[T]) DebugString() string {
	return fmt.Sprintf("Mappings{len=%d}", len(m.mappings))
}

// floor returns the index of the last mapping with Start <= avma, or -1.
func (m *Mappings[T]) floor(avma uint64) int {
	i := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].Start > avma
	})
	return i - 1
}

// lowerBound returns the index of the first mapping with Start >= avma.
func (m *Mappings[T]) lowerBound(avma uint64) int {
	return sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].Start >= avma
	})
}
