package importer

import (
	"bytes"
	"slices"

	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/skiplist"
)

type bufferedKey struct {
	adds []entryid.ID
	dels []entryid.ID
}

// WorkerBuffer collects the index deltas of one worker for one index, kept
// in key order so a flush produces a sorted run.
type WorkerBuffer struct {
	list     *skiplist.SkipList[[]byte, *bufferedKey]
	cmp      func(a, b []byte) int
	capacity int
	pairs    int
}

// NewWorkerBuffer creates a buffer that reports Full once it holds capacity
// (key, id) pairs. A nil cmp orders keys bytewise.
func NewWorkerBuffer(capacity int, cmp func(a, b []byte) int) *WorkerBuffer {
	if cmp == nil {
		cmp = bytes.Compare
	}
	b := &WorkerBuffer{cmp: cmp, capacity: capacity}
	b.reset()
	return b
}

func (b *WorkerBuffer) reset() {
	b.list = skiplist.NewWithComparator[[]byte, *bufferedKey](func(x, y []byte) int { return b.cmp(x, y) })
	b.pairs = 0
}

func (b *WorkerBuffer) entry(key []byte) *bufferedKey {
	if node, ok := b.list.Seek(key); ok && b.cmp(node.Key(), key) == 0 {
		return node.Value()
	}
	e := &bufferedKey{}
	b.list.Insert(key, e)
	return e
}

// Add records that id gains key.
func (b *WorkerBuffer) Add(key []byte, id entryid.ID) {
	e := b.entry(key)
	e.adds = append(e.adds, id)
	b.pairs++
}

// Delete records that id loses key.
func (b *WorkerBuffer) Delete(key []byte, id entryid.ID) {
	e := b.entry(key)
	e.dels = append(e.dels, id)
	b.pairs++
}

// Len returns the number of buffered (key, id) pairs.
func (b *WorkerBuffer) Len() int { return b.pairs }

// Keys returns the number of distinct buffered keys.
func (b *WorkerBuffer) Keys() int { return b.list.Len() }

func (b *WorkerBuffer) Full() bool { return b.capacity > 0 && b.pairs >= b.capacity }

// Flush writes the buffered keys in order to w and empties the buffer. The
// caller closes w.
func (b *WorkerBuffer) Flush(w *SpillWriter) error {
	it := b.list.NewIterator()
	for it.Next() {
		e := it.Value()
		err := w.Write(core.Record{
			Key:  it.Key(),
			Adds: sortedUnique(e.adds),
			Dels: sortedUnique(e.dels),
		})
		if err != nil {
			return err
		}
	}
	b.reset()
	return nil
}

func sortedUnique(ids []entryid.ID) []entryid.ID {
	slices.Sort(ids)
	return slices.Compact(ids)
}

// KeyBuffer collects canonical VLV keys of one worker in bytewise order.
type KeyBuffer struct {
	list     *skiplist.SkipList[[]byte, struct{}]
	capacity int
}

func NewKeyBuffer(capacity int) *KeyBuffer {
	b := &KeyBuffer{capacity: capacity}
	b.reset()
	return b
}

func (b *KeyBuffer) reset() {
	b.list = skiplist.NewWithComparator[[]byte, struct{}](bytes.Compare)
}

// Add buffers key. Adding a key twice keeps one copy.
func (b *KeyBuffer) Add(key []byte) {
	b.list.Insert(key, struct{}{})
}

func (b *KeyBuffer) Len() int { return b.list.Len() }

func (b *KeyBuffer) Full() bool { return b.capacity > 0 && b.list.Len() >= b.capacity }

// Flush writes the keys as id-less records to w and empties the buffer.
func (b *KeyBuffer) Flush(w *SpillWriter) error {
	it := b.list.NewIterator()
	for it.Next() {
		if err := w.Write(core.Record{Key: it.Key()}); err != nil {
			return err
		}
	}
	b.reset()
	return nil
}
