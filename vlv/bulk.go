package vlv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/iterator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// KeyIterator yields canonical keys in ascending order.
type KeyIterator = core.IteratorInterface[[]byte]

type BulkOptions struct {
	// Append keeps the index's trust state. A from-scratch build marks the
	// index trusted when it completes.
	Append bool
}

type BulkStats struct {
	Added   int
	Deleted int
	Pages   int
	Splits  int
}

func identityKey(k []byte) []byte { return k }

// BulkMerge merges sorted streams of added and deleted keys into x one page
// at a time: for the page owning the smallest pending key it applies every
// pending delete and then every pending add below the next page's boundary,
// splitting as it goes. Deletes are applied before adds of the same page.
func BulkMerge(ctx context.Context, x *SortedPagedIndex, adds, dels []KeyIterator, opts BulkOptions) (stats BulkStats, err error) {
	ctx, span := x.tracer.Start(ctx, "vlv.BulkMerge")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.String("vlv.name", x.name),
			attribute.Int("keys.added", stats.Added),
			attribute.Int("keys.deleted", stats.Deleted),
			attribute.Int("pages.written", stats.Pages),
		)
		span.End()
	}()

	addHeap, err := iterator.NewMergeHeap(adds, identityKey, bytes.Compare)
	if err != nil {
		for _, d := range dels {
			d.Close()
		}
		return stats, fmt.Errorf("vlv %s: open add streams: %w", x.name, err)
	}
	defer addHeap.Close()
	delHeap, err := iterator.NewMergeHeap(dels, identityKey, bytes.Compare)
	if err != nil {
		return stats, fmt.Errorf("vlv %s: open delete streams: %w", x.name, err)
	}
	defer delHeap.Close()

	x.mu.Lock()
	defer x.mu.Unlock()

	arena := core.NewArena(0)
	m := &pageMerger{x: x, arena: arena, stats: &stats}
	for addHeap.Len() > 0 || delHeap.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := m.mergePage(addHeap, delHeap); err != nil {
			return stats, err
		}
		arena.Reset()
	}

	if !opts.Append {
		if err := x.SetTrusted(true); err != nil {
			return stats, err
		}
	}
	x.logger.Info("VLV bulk merge finished", "stats", stats)
	return stats, nil
}

type pageMerger struct {
	x     *SortedPagedIndex
	arena *core.Arena
	stats *BulkStats
}

func minKey(a, b []byte) []byte {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case bytes.Compare(a, b) <= 0:
		return a
	}
	return b
}

func (m *pageMerger) mergePage(addHeap, delHeap *iterator.MergeHeap[[]byte]) error {
	x := m.x
	first := m.arena.Copy(minKey(addHeap.Key(), delHeap.Key()))
	p, err := x.owningPage(first)
	if err != nil {
		return err
	}
	upper, err := x.nextBoundary(p)
	if err != nil {
		return err
	}
	below := func(k []byte) bool {
		return upper == nil || bytes.Compare(k, upper) < 0
	}

	for delHeap.Len() > 0 && below(delHeap.Key()) {
		if p.Remove(delHeap.Key()) {
			m.stats.Deleted++
		}
		if err := delHeap.Next(); err != nil {
			return fmt.Errorf("vlv %s: read delete stream: %w", x.name, err)
		}
	}

	// pages[ci] receives the current key; pages before ci are complete.
	pages := []*Page{p}
	ci := 0
	for addHeap.Len() > 0 && below(addHeap.Key()) {
		k := m.arena.Copy(addHeap.Key())
		for ci+1 < len(pages) && bytes.Compare(k, pages[ci+1].Boundary) >= 0 {
			ci++
		}
		if ci > 0 {
			if err := m.flush(pages[:ci]...); err != nil {
				return err
			}
			pages, ci = pages[ci:], 0
		}
		cur := pages[ci]
		if cur.Insert(k) {
			m.stats.Added++
		}
		if cur.Len() > x.capacity {
			upperHalf := cur.Split()
			pages = append(pages[:ci+1], append([]*Page{upperHalf}, pages[ci+1:]...)...)
			m.stats.Splits++
		}
		if err := addHeap.Next(); err != nil {
			return fmt.Errorf("vlv %s: read add stream: %w", x.name, err)
		}
	}
	return m.flush(pages...)
}

func (m *pageMerger) flush(pages ...*Page) error {
	if err := m.x.writePages(pages...); err != nil {
		return err
	}
	m.stats.Pages += len(pages)
	return nil
}

// SliceKeys is a KeyIterator over an in-memory sorted key list.
type SliceKeys struct {
	keys [][]byte
	pos  int
}

func NewSliceKeys(keys [][]byte) *SliceKeys {
	return &SliceKeys{keys: keys, pos: -1}
}

func (s *SliceKeys) Next() bool {
	if s.pos+1 >= len(s.keys) {
		return false
	}
	s.pos++
	return true
}

func (s *SliceKeys) At() ([]byte, error) {
	if s.pos < 0 || s.pos >= len(s.keys) {
		return nil, errors.New("vlv: iterator not positioned")
	}
	return s.keys[s.pos], nil
}

func (s *SliceKeys) Error() error { return nil }
func (s *SliceKeys) Close() error { return nil }

var _ slog.LogValuer = BulkStats{}

func (s BulkStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("added", s.Added),
		slog.Int("deleted", s.Deleted),
		slog.Int("pages", s.Pages),
		slog.Int("splits", s.Splits),
	)
}
