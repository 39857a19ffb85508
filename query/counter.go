package query

import (
	"context"
	"sync/atomic"

	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/index"
)

// LookupCounter wraps an index and counts the reads made through it.
type LookupCounter struct {
	index.Index
	keys   atomic.Int64
	ranges atomic.Int64
}

func NewLookupCounter(idx index.Index) *LookupCounter {
	return &LookupCounter{Index: idx}
}

func (c *LookupCounter) ReadKey(ctx context.Context, key []byte) (entryid.Set, error) {
	c.keys.Add(1)
	return c.Index.ReadKey(ctx, key)
}

func (c *LookupCounter) ReadRange(ctx context.Context, low, high []byte, lowInclusive, highInclusive bool) (entryid.Set, error) {
	c.ranges.Add(1)
	return c.Index.ReadRange(ctx, low, high, lowInclusive, highInclusive)
}

// Lookups returns the total number of key and range reads.
func (c *LookupCounter) Lookups() int64 {
	return c.keys.Load() + c.ranges.Load()
}

func (c *LookupCounter) KeyReads() int64   { return c.keys.Load() }
func (c *LookupCounter) RangeReads() int64 { return c.ranges.Load() }

func (c *LookupCounter) Reset() {
	c.keys.Store(0)
	c.ranges.Store(0)
}
