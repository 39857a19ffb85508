// Package iterator provides the merge frontier used by k-way merges: a
// min-heap of sorted iterators keyed by each one's current element.
package iterator

import (
	"bytes"
	"container/heap"
	"errors"

	"github.com/INLOpen/dirindex/core"
)

// source is one iterator in the heap together with its current element.
type source[T any] struct {
	iter core.IteratorInterface[T]
	cur  T
	ord  int
}

// minHeap implements heap.Interface over sources.
type minHeap[T any] struct {
	items []*source[T]
	key   func(T) []byte
	cmp   func(a, b []byte) int
}

func (h *minHeap[T]) Len() int { return len(h.items) }

func (h *minHeap[T]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := h.cmp(h.key(a.cur), h.key(b.cur)); c != 0 {
		return c < 0
	}
	// Equal keys come out in source order.
	return a.ord < b.ord
}

func (h *minHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *minHeap[T]) Push(x interface{}) {
	h.items = append(h.items, x.(*source[T]))
}

func (h *minHeap[T]) Pop() interface{} {
	old := h.items
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return x
}

// MergeHeap orders sorted iterators by their current key so the smallest
// pending key across all of them is at the top.
type MergeHeap[T any] struct {
	h minHeap[T]
}

// NewMergeHeap advances every iterator to its first element and builds the
// heap. Iterators that are empty from the start are closed. key extracts the
// ordering key of an element and cmp compares keys; a nil cmp is
// bytes.Compare.
func NewMergeHeap[T any](iters []core.IteratorInterface[T], key func(T) []byte, cmp func(a, b []byte) int) (*MergeHeap[T], error) {
	if cmp == nil {
		cmp = bytes.Compare
	}
	m := &MergeHeap[T]{h: minHeap[T]{items: make([]*source[T], 0, len(iters)), key: key, cmp: cmp}}
	for i, it := range iters {
		s := &source[T]{iter: it, ord: i}
		ok, err := s.advance()
		if err != nil {
			for _, rest := range iters[i+1:] {
				rest.Close()
			}
			return nil, errors.Join(err, m.Close())
		}
		if ok {
			m.h.items = append(m.h.items, s)
		}
	}
	heap.Init(&m.h)
	return m, nil
}

// advance moves s to its next element. It closes the iterator when it is
// exhausted and reports any iterator error.
func (s *source[T]) advance() (bool, error) {
	if s.iter.Next() {
		cur, err := s.iter.At()
		if err != nil {
			s.iter.Close()
			return false, err
		}
		s.cur = cur
		return true, nil
	}
	err := s.iter.Error()
	if cerr := s.iter.Close(); err == nil {
		err = cerr
	}
	return false, err
}

func (m *MergeHeap[T]) Len() int { return m.h.Len() }

// Peek returns the smallest current element and the index of the iterator
// it came from. It must not be called on an empty heap.
func (m *MergeHeap[T]) Peek() (T, int) {
	top := m.h.items[0]
	return top.cur, top.ord
}

// Key returns the key of the top element, or nil if the heap is empty.
func (m *MergeHeap[T]) Key() []byte {
	if m.h.Len() == 0 {
		return nil
	}
	return m.h.key(m.h.items[0].cur)
}

// Next advances the iterator at the top of the heap. An exhausted iterator
// is removed and closed.
func (m *MergeHeap[T]) Next() error {
	if m.h.Len() == 0 {
		return nil
	}
	top := m.h.items[0]
	ok, err := top.advance()
	if ok {
		heap.Fix(&m.h, 0)
		return nil
	}
	heap.Pop(&m.h)
	return err
}

// Close closes every iterator still in the heap.
func (m *MergeHeap[T]) Close() error {
	var errs []error
	for _, s := range m.h.items {
		if err := s.iter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.h.items = nil
	return errors.Join(errs...)
}
