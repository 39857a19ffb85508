// Package entryid implements the candidate set used as the currency of every
// index lookup: either a sorted, duplicate-free list of entry identifiers or
// the Unbounded marker meaning "too many to enumerate, assume everything".
package entryid

import (
	"container/heap"
	"fmt"
	"iter"
	"slices"
	"strings"
)

// ID identifies one stored entry. Its total order is the numeric value.
type ID = uint64

// Set is a candidate set. The zero value is an empty Defined set.
//
// Union with Unbounded yields Unbounded. Intersection with Unbounded yields
// the other operand, and Unbounded ∩ Unbounded is Unbounded.
type Set struct {
	ids       []ID
	unbounded bool
}

// Unbounded returns the Unbounded marker set.
func Unbounded() Set {
	return Set{unbounded: true}
}

// NewDefined builds a Defined set from ids in any order, dropping duplicates.
func NewDefined(ids ...ID) Set {
	if len(ids) == 0 {
		return Set{}
	}
	cp := slices.Clone(ids)
	slices.Sort(cp)
	return Set{ids: slices.Compact(cp)}
}

// FromSorted wraps an ascending, duplicate-free slice without copying.
// The caller must not modify ids afterwards.
func FromSorted(ids []ID) Set {
	return Set{ids: ids}
}

// IsDefined reports whether s is an explicit id list.
func (s Set) IsDefined() bool { return !s.unbounded }

// IsUnbounded reports whether s is the Unbounded marker.
func (s Set) IsUnbounded() bool { return s.unbounded }

// Size returns the number of ids. ok is false for Unbounded, whose size is
// not a valid candidate count.
func (s Set) Size() (n int, ok bool) {
	if s.unbounded {
		return 0, false
	}
	return len(s.ids), true
}

// Len returns the number of ids of a Defined set and -1 for Unbounded.
func (s Set) Len() int {
	if s.unbounded {
		return -1
	}
	return len(s.ids)
}

// IsEmpty reports whether s is a Defined set with no ids.
func (s Set) IsEmpty() bool {
	return !s.unbounded && len(s.ids) == 0
}

// IDs returns the backing ids. It is nil for Unbounded. Callers must not modify it.
func (s Set) IDs() []ID {
	return s.ids
}

// Contains reports whether id is in a Defined set. Unbounded contains everything.
func (s Set) Contains(id ID) bool {
	if s.unbounded {
		return true
	}
	_, found := slices.BinarySearch(s.ids, id)
	return found
}

// All iterates the ids in ascending order. It yields nothing for Unbounded.
func (s Set) All() iter.Seq[ID] {
	return func(yield func(ID) bool) {
		for _, id := range s.ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Equal reports whether two sets have the same state and ids.
func (s Set) Equal(o Set) bool {
	if s.unbounded || o.unbounded {
		return s.unbounded == o.unbounded
	}
	return slices.Equal(s.ids, o.ids)
}

func (s Set) String() string {
	if s.unbounded {
		return "Unbounded"
	}
	const maxShown = 16
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range s.ids {
		if i == maxShown {
			fmt.Fprintf(&b, " ... (%d total)", len(s.ids))
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	b.WriteByte(']')
	return b.String()
}

// Union returns a ∪ b.
func Union(a, b Set) Set {
	if a.unbounded || b.unbounded {
		return Unbounded()
	}
	switch {
	case len(a.ids) == 0:
		return Set{ids: slices.Clone(b.ids)}
	case len(b.ids) == 0:
		return Set{ids: slices.Clone(a.ids)}
	}
	out := make([]ID, 0, len(a.ids)+len(b.ids))
	i, j := 0, 0
	for i < len(a.ids) && j < len(b.ids) {
		switch x, y := a.ids[i], b.ids[j]; {
		case x < y:
			out = append(out, x)
			i++
		case x > y:
			out = append(out, y)
			j++
		default:
			out = append(out, x)
			i++
			j++
		}
	}
	out = append(out, a.ids[i:]...)
	out = append(out, b.ids[j:]...)
	return Set{ids: out}
}

// Intersect returns a ∩ b.
func Intersect(a, b Set) Set {
	switch {
	case a.unbounded && b.unbounded:
		return Unbounded()
	case a.unbounded:
		return Set{ids: slices.Clone(b.ids)}
	case b.unbounded:
		return Set{ids: slices.Clone(a.ids)}
	}
	small, large := a.ids, b.ids
	if len(small) > len(large) {
		small, large = large, small
	}
	out := make([]ID, 0, len(small))
	i, j := 0, 0
	for i < len(small) && j < len(large) {
		switch x, y := small[i], large[j]; {
		case x < y:
			i++
		case x > y:
			j++
		default:
			out = append(out, x)
			i++
			j++
		}
	}
	return Set{ids: out}
}

// Difference returns the ids of a that are not in b. Removing from Unbounded
// leaves it Unbounded, and removing Unbounded from a Defined set empties it.
func Difference(a, b Set) Set {
	if a.unbounded {
		return Unbounded()
	}
	if b.unbounded {
		return Set{}
	}
	if len(b.ids) == 0 {
		return Set{ids: slices.Clone(a.ids)}
	}
	out := make([]ID, 0, len(a.ids))
	j := 0
	for _, x := range a.ids {
		for j < len(b.ids) && b.ids[j] < x {
			j++
		}
		if j < len(b.ids) && b.ids[j] == x {
			continue
		}
		out = append(out, x)
	}
	return Set{ids: out}
}

// UnionWith replaces s with s ∪ o.
func (s *Set) UnionWith(o Set) {
	*s = Union(*s, o)
}

// IntersectWith replaces s with s ∩ o.
func (s *Set) IntersectWith(o Set) {
	*s = Intersect(*s, o)
}

// UnionAll merges any number of sets in one pass over their sorted arrays,
// collapsing duplicates. The result is Unbounded if any input is.
func UnionAll(sets ...Set) Set {
	total := 0
	h := make(cursorHeap, 0, len(sets))
	for _, s := range sets {
		if s.unbounded {
			return Unbounded()
		}
		if len(s.ids) > 0 {
			h = append(h, &cursor{ids: s.ids})
			total += len(s.ids)
		}
	}
	switch len(h) {
	case 0:
		return Set{}
	case 1:
		return Set{ids: slices.Clone(h[0].ids)}
	}
	heap.Init(&h)
	out := make([]ID, 0, total)
	for len(h) > 0 {
		c := h[0]
		id := c.ids[c.pos]
		if n := len(out); n == 0 || out[n-1] != id {
			out = append(out, id)
		}
		c.pos++
		if c.pos == len(c.ids) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return Set{ids: out}
}

type cursor struct {
	ids []ID
	pos int
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int            { return len(h) }
func (h cursorHeap) Less(i, j int) bool  { return h[i].ids[h[i].pos] < h[j].ids[h[j].pos] }
func (h cursorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
