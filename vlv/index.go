package vlv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/index"
	"github.com/INLOpen/dirindex/store"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultPageCapacity is the page size used when none is configured.
const DefaultPageCapacity = 4000

var (
	ErrNotTrusted = errors.New("vlv: index is not trusted")
	ErrEmptyName  = errors.New("vlv: empty index name")
	ErrNoOrder    = errors.New("vlv: empty sort order")
)

// firstBoundary keys the page covering the low end of the key space.
var firstBoundary = []byte{}

type Options struct {
	Name         string
	Order        SortOrder
	PageCapacity int
	// Match selects the entries the index covers. Nil matches every entry.
	Match  func(*core.Entry) bool
	States *index.States
	Logger *slog.Logger
	Tracer trace.Tracer
}

// SortedPagedIndex keeps the canonical sort keys of its entries in pages
// stored under their boundary keys.
type SortedPagedIndex struct {
	name     string
	tbl      store.Table
	order    SortOrder
	capacity int
	match    func(*core.Entry) bool
	states   *index.States
	logger   *slog.Logger
	tracer   trace.Tracer

	// mu serializes page read-modify-write cycles.
	mu sync.Mutex
}

func New(tbl store.Table, opts Options) (*SortedPagedIndex, error) {
	if opts.Name == "" {
		return nil, ErrEmptyName
	}
	if len(opts.Order) == 0 {
		return nil, ErrNoOrder
	}
	if opts.PageCapacity <= 0 {
		opts.PageCapacity = DefaultPageCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("vlv")
	}
	return &SortedPagedIndex{
		name:     opts.Name,
		tbl:      tbl,
		order:    opts.Order,
		capacity: opts.PageCapacity,
		match:    opts.Match,
		states:   opts.States,
		logger:   opts.Logger.With("component", "SortedPagedIndex", "vlv", opts.Name),
		tracer:   opts.Tracer,
	}, nil
}

func (x *SortedPagedIndex) Name() string      { return x.name }
func (x *SortedPagedIndex) Order() SortOrder  { return x.order }
func (x *SortedPagedIndex) PageCapacity() int { return x.capacity }

// Trusted reports whether the trust registry allows reads.
func (x *SortedPagedIndex) Trusted() bool {
	return x.states == nil || x.states.IsTrusted(x.name)
}

// SetTrusted records the index's trust state. It is a no-op without a registry.
func (x *SortedPagedIndex) SetTrusted(trusted bool) error {
	if x.states == nil {
		return nil
	}
	return x.states.SetTrusted(x.name, trusted)
}

// Matches reports whether e belongs in the index.
func (x *SortedPagedIndex) Matches(e *core.Entry) bool {
	return x.match == nil || x.match(e)
}

// owningPage loads the page whose range contains key. A missing first page
// is returned empty.
func (x *SortedPagedIndex) owningPage(key []byte) (*Page, error) {
	boundary, raw, found, err := x.tbl.Floor(key)
	if err != nil {
		return nil, fmt.Errorf("vlv %s: find page: %w", x.name, err)
	}
	if !found {
		return &Page{Boundary: firstBoundary}, nil
	}
	p, err := decodePage(boundary, raw)
	if err != nil {
		return nil, fmt.Errorf("vlv %s: page %q: %w", x.name, boundary, err)
	}
	return p, nil
}

// nextBoundary returns the boundary of the page after p, or nil for the last page.
func (x *SortedPagedIndex) nextBoundary(p *Page) ([]byte, error) {
	next, found, err := x.tbl.After(p.Boundary)
	if err != nil {
		return nil, fmt.Errorf("vlv %s: find next page: %w", x.name, err)
	}
	if !found {
		return nil, nil
	}
	return next, nil
}

// writePages persists p, and any pages split off it, in one batch.
func (x *SortedPagedIndex) writePages(pages ...*Page) error {
	b := x.tbl.NewBatch()
	for _, p := range pages {
		var err error
		if p.Len() == 0 && len(p.Boundary) > 0 {
			err = b.Delete(p.Boundary)
		} else {
			err = b.Put(p.Boundary, encodePage(p))
		}
		if err != nil {
			b.Abort()
			return fmt.Errorf("vlv %s: write page: %w", x.name, err)
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("vlv %s: %w", x.name, err)
	}
	return nil
}

// splitAll splits p until every resulting page fits the capacity and
// returns the pages in key order.
func (x *SortedPagedIndex) splitAll(p *Page) []*Page {
	pages := []*Page{p}
	for i := 0; i < len(pages); {
		if pages[i].Len() <= x.capacity {
			i++
			continue
		}
		upper := pages[i].Split()
		pages = append(pages[:i+1], append([]*Page{upper}, pages[i+1:]...)...)
	}
	return pages
}

// AddEntry inserts e's sort key. Entries the index does not cover are ignored.
func (x *SortedPagedIndex) AddEntry(ctx context.Context, e *core.Entry) error {
	if !x.Matches(e) {
		return nil
	}
	key, err := x.order.EntryKey(e)
	if err != nil {
		return err
	}
	return x.insertKey(ctx, key)
}

func (x *SortedPagedIndex) insertKey(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	p, err := x.owningPage(key)
	if err != nil {
		return err
	}
	if !p.Insert(key) {
		return nil
	}
	pages := x.splitAll(p)
	if len(pages) > 1 {
		x.logger.Debug("Page split", "boundary", fmt.Sprintf("%x", p.Boundary), "pages", len(pages))
	}
	return x.writePages(pages...)
}

// DeleteEntry removes e's sort key. An emptied page other than the first is
// deleted.
func (x *SortedPagedIndex) DeleteEntry(ctx context.Context, e *core.Entry) error {
	if !x.Matches(e) {
		return nil
	}
	key, err := x.order.EntryKey(e)
	if err != nil {
		return err
	}
	return x.removeKey(ctx, key)
}

func (x *SortedPagedIndex) removeKey(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	p, err := x.owningPage(key)
	if err != nil {
		return err
	}
	if !p.Remove(key) {
		return nil
	}
	return x.writePages(p)
}

// ModifyEntry moves an entry whose sort key changed. Coverage changes are
// handled as a plain add or delete.
func (x *SortedPagedIndex) ModifyEntry(ctx context.Context, old, updated *core.Entry) error {
	var oldKey, newKey []byte
	var err error
	if x.Matches(old) {
		if oldKey, err = x.order.EntryKey(old); err != nil {
			return err
		}
	}
	if x.Matches(updated) {
		if newKey, err = x.order.EntryKey(updated); err != nil {
			return err
		}
	}
	if oldKey != nil && newKey != nil && bytes.Equal(oldKey, newKey) {
		return nil
	}
	if oldKey != nil {
		if err := x.removeKey(ctx, oldKey); err != nil {
			return err
		}
	}
	if newKey != nil {
		return x.insertKey(ctx, newKey)
	}
	return nil
}

// eachPage calls fn for every stored page in key order. The page's keys are
// only valid during the call.
func (x *SortedPagedIndex) eachPage(ctx context.Context, fn func(p *Page) error) error {
	cur, err := x.tbl.Scan(nil, nil)
	if err != nil {
		return fmt.Errorf("vlv %s: scan: %w", x.name, err)
	}
	defer cur.Close()
	for cur.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		kv, err := cur.At()
		if err != nil {
			return fmt.Errorf("vlv %s: scan: %w", x.name, err)
		}
		p, err := decodePage(kv.Key, kv.Value)
		if err != nil {
			return fmt.Errorf("vlv %s: page %q: %w", x.name, kv.Key, err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := cur.Error(); err != nil {
		return fmt.Errorf("vlv %s: scan: %w", x.name, err)
	}
	return nil
}

// Read returns up to count entry ids in sort order starting at offset, and
// the total number of entries in the index.
func (x *SortedPagedIndex) Read(ctx context.Context, offset, count int) ([]entryid.ID, int, error) {
	if offset < 0 {
		offset = 0
	}
	var ids []entryid.ID
	total := 0
	err := x.eachPage(ctx, func(p *Page) error {
		n := p.Len()
		for i := max(offset-total, 0); i < n && len(ids) < count; i++ {
			id, err := KeyID(p.Keys[i])
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		total += n
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return ids, total, nil
}

// Evaluate is Read for query processing. An untrusted index refuses to answer.
func (x *SortedPagedIndex) Evaluate(ctx context.Context, offset, count int) ([]entryid.ID, int, error) {
	if !x.Trusted() {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotTrusted, x.name)
	}
	return x.Read(ctx, offset, count)
}

// Count returns the number of indexed entries.
func (x *SortedPagedIndex) Count(ctx context.Context) (int, error) {
	total := 0
	err := x.eachPage(ctx, func(p *Page) error {
		total += p.Len()
		return nil
	})
	return total, err
}

// PageSizes returns the size of every page in key order.
func (x *SortedPagedIndex) PageSizes(ctx context.Context) ([]int, error) {
	var sizes []int
	err := x.eachPage(ctx, func(p *Page) error {
		sizes = append(sizes, p.Len())
		return nil
	})
	return sizes, err
}

// Truncate removes every page.
func (x *SortedPagedIndex) Truncate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tbl.Truncate()
}

// VerifyReport is the outcome of Verify.
type VerifyReport struct {
	Index    string
	Pages    int
	Entries  int
	Problems []string
}

func (r VerifyReport) OK() bool { return len(r.Problems) == 0 }

// Verify checks the page invariants: the first page has the empty boundary,
// every page is sorted, within capacity and starts at or after its boundary,
// and the last key of a page is below the first key of the next.
func (x *SortedPagedIndex) Verify(ctx context.Context) (VerifyReport, error) {
	rep := VerifyReport{Index: x.name}
	var prevLast []byte
	problem := func(format string, args ...any) {
		rep.Problems = append(rep.Problems, fmt.Sprintf(format, args...))
	}
	err := x.eachPage(ctx, func(p *Page) error {
		if rep.Pages == 0 && len(p.Boundary) != 0 {
			problem("first page has boundary %x", p.Boundary)
		}
		rep.Pages++
		rep.Entries += p.Len()
		if p.Len() > x.capacity {
			problem("page %x holds %d keys, capacity %d", p.Boundary, p.Len(), x.capacity)
		}
		if p.Len() == 0 {
			if len(p.Boundary) != 0 {
				problem("page %x is empty", p.Boundary)
			}
			return nil
		}
		if bytes.Compare(p.Boundary, p.Keys[0]) > 0 {
			problem("page %x starts below its boundary", p.Boundary)
		}
		for i := 1; i < p.Len(); i++ {
			if bytes.Compare(p.Keys[i-1], p.Keys[i]) >= 0 {
				problem("page %x is not sorted at %d", p.Boundary, i)
				break
			}
		}
		if prevLast != nil && bytes.Compare(prevLast, p.Keys[0]) >= 0 {
			problem("page %x overlaps its predecessor", p.Boundary)
		}
		for _, k := range p.Keys {
			if _, err := KeyID(k); err != nil {
				problem("page %x: %v", p.Boundary, err)
				break
			}
		}
		prevLast = bytes.Clone(p.Last())
		return nil
	})
	return rep, err
}
