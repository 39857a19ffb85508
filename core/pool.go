package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// bufferPool is a mutex-protected free list of buffers. Unlike sync.Pool its
// contents survive garbage collection, which suits long merges that keep
// reusing block-sized buffers.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// DefaultBlockSize is the initial capacity of pooled spill-block buffers.
const DefaultBlockSize = 64 * 1024

var BufferPool = NewBufferPool(DefaultBlockSize)

// NewBufferPool creates a buffer pool whose new buffers start with the given capacity.
func NewBufferPool(capacity int) *bufferPool {
	return &bufferPool{capacity: capacity}
}

func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if n := len(bp.items); n > 0 {
		item := bp.items[n-1]
		bp.items = bp.items[:n-1]
		bp.mu.Unlock()
		bp.hits.Add(1)
		return item
	}
	bp.mu.Unlock()
	bp.misses.Add(1)
	return bytes.NewBuffer(make([]byte, 0, bp.capacity))
}

func (bp *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	bp.mu.Lock()
	bp.items = append(bp.items, buf)
	bp.mu.Unlock()
}

// GetMetrics returns pool hits and misses.
func (bp *bufferPool) GetMetrics() (hits, misses uint64) {
	return bp.hits.Load(), bp.misses.Load()
}

// Arena hands out byte slices carved from large slabs. One Arena is created
// per merge invocation and dropped when the merge returns, so keys copied
// out of reader buffers do not each cost an allocation.
// An Arena is not safe for concurrent use.
type Arena struct {
	slabSize int
	slab     []byte
	slabs    int
}

// NewArena creates an arena with the given slab size.
func NewArena(slabSize int) *Arena {
	if slabSize <= 0 {
		slabSize = DefaultBlockSize
	}
	return &Arena{slabSize: slabSize}
}

// Copy returns a copy of b owned by the arena.
func (a *Arena) Copy(b []byte) []byte {
	if len(b) > a.slabSize/4 {
		// Large values get their own allocation so they do not waste a slab.
		return append([]byte(nil), b...)
	}
	if cap(a.slab)-len(a.slab) < len(b) {
		a.slab = make([]byte, 0, a.slabSize)
		a.slabs++
	}
	start := len(a.slab)
	a.slab = append(a.slab, b...)
	return a.slab[start:len(a.slab):len(a.slab)]
}

// Slabs returns the number of slabs allocated so far.
func (a *Arena) Slabs() int {
	return a.slabs
}

// Reset forgets the current slab. Slices handed out earlier stay valid.
func (a *Arena) Reset() {
	a.slab = nil
}
