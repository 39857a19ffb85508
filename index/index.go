// Package index implements the persistent key → candidate-set mapping used
// by every attribute index, including the entry-limit policy that turns an
// oversized id list into the Unbounded marker.
package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var ErrEmptyName = errors.New("index: empty name")

// Comparator orders index keys. It must agree with bytewise order for keys
// that are range-scanned, because the store scans bytewise.
type Comparator func(a, b []byte) int

// Kind is the lookup flavour an attribute index serves.
type Kind int

const (
	Equality Kind = iota
	Presence
	Substring
	Ordering
	Approximate
)

var kindNames = [...]string{"equality", "presence", "substring", "ordering", "approximate"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(s)
	if s == "approx" {
		return Approximate, true
	}
	if s == "present" {
		return Presence, true
	}
	for i, n := range kindNames {
		if n == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// AllKinds lists every Kind in declaration order.
func AllKinds() []Kind {
	return []Kind{Equality, Presence, Substring, Ordering, Approximate}
}

// PresenceKey is the single key of a presence index.
var PresenceKey = []byte("+")

// Index is the contract shared by attribute indexes and the merge builder.
type Index interface {
	Name() string
	// ReadKey returns the set stored under key; a missing key is an empty Defined set.
	ReadKey(ctx context.Context, key []byte) (entryid.Set, error)
	// ReadRange unions every record in the range. A nil bound is open.
	ReadRange(ctx context.Context, low, high []byte, lowInclusive, highInclusive bool) (entryid.Set, error)
	// WriteKey replaces the record of key. Used by rebuild and merge.
	WriteKey(ctx context.Context, key []byte, set entryid.Set) error
	// ApplyDelta adds and removes ids for key. Used by live updates.
	ApplyDelta(ctx context.Context, key []byte, add, del []entryid.ID) error
	EntryLimit() int
	Comparator() Comparator
}

// Observer receives index events worth counting.
type Observer interface {
	EntryLimitExceeded(index string)
}

// Options configures a KeyIndex.
type Options struct {
	Name string
	// EntryLimit is the largest Defined set a key may hold. 0 means no limit.
	EntryLimit int
	// RangeLimit makes ReadRange give up with Unbounded once the union grows
	// past it. 0 disables the cap.
	RangeLimit int
	Comparator Comparator
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    Observer
}

// KeyIndex is an Index persisted in a store table.
type KeyIndex struct {
	name       string
	tbl        store.Table
	limit      int
	rangeLimit int
	cmp        Comparator
	logger     *slog.Logger
	tracer     trace.Tracer
	observer   Observer

	limitExceeded atomic.Uint64
}

var _ Index = (*KeyIndex)(nil)

// New creates a KeyIndex over tbl.
func New(tbl store.Table, opts Options) (*KeyIndex, error) {
	if opts.Name == "" {
		return nil, ErrEmptyName
	}
	if opts.Comparator == nil {
		opts.Comparator = bytes.Compare
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("index")
	}
	return &KeyIndex{
		name:       opts.Name,
		tbl:        tbl,
		limit:      opts.EntryLimit,
		rangeLimit: opts.RangeLimit,
		cmp:        opts.Comparator,
		logger:     opts.Logger.With("component", "KeyIndex", "index", opts.Name),
		tracer:     opts.Tracer,
		observer:   opts.Metrics,
	}, nil
}

func (x *KeyIndex) Name() string           { return x.name }
func (x *KeyIndex) EntryLimit() int        { return x.limit }
func (x *KeyIndex) Comparator() Comparator { return x.cmp }

// LimitExceededCount returns how many keys crossed the entry limit since open.
func (x *KeyIndex) LimitExceededCount() uint64 {
	return x.limitExceeded.Load()
}

func (x *KeyIndex) overLimit(n int) bool {
	return x.limit > 0 && n > x.limit
}

func (x *KeyIndex) decode(key, raw []byte) (entryid.Set, error) {
	set, err := entryid.DecodeRecord(raw)
	if err != nil {
		return entryid.Set{}, fmt.Errorf("index %s: key %q: %w", x.name, key, err)
	}
	return set, nil
}

func (x *KeyIndex) ReadKey(ctx context.Context, key []byte) (entryid.Set, error) {
	if err := ctx.Err(); err != nil {
		return entryid.Set{}, err
	}
	raw, found, err := x.tbl.Get(key)
	if err != nil {
		return entryid.Set{}, fmt.Errorf("index %s: read key: %w", x.name, err)
	}
	if !found {
		return entryid.Set{}, nil
	}
	return x.decode(key, raw)
}

func (x *KeyIndex) ReadRange(ctx context.Context, low, high []byte, lowInclusive, highInclusive bool) (result entryid.Set, err error) {
	ctx, span := x.tracer.Start(ctx, "KeyIndex.ReadRange")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("index.name", x.name))

	lower, upper := scanBounds(low, high, lowInclusive, highInclusive)
	if lower != nil && upper != nil && bytes.Compare(lower, upper) >= 0 {
		return entryid.Set{}, nil
	}

	cur, err := x.tbl.Scan(lower, upper)
	if err != nil {
		return entryid.Set{}, fmt.Errorf("index %s: read range: %w", x.name, err)
	}
	defer cur.Close()

	acc := entryid.NewAccumulator()
	keys := 0
	for cur.Next() {
		if keys%256 == 0 {
			if err := ctx.Err(); err != nil {
				return entryid.Set{}, err
			}
		}
		keys++
		kv, err := cur.At()
		if err != nil {
			return entryid.Set{}, fmt.Errorf("index %s: read range: %w", x.name, err)
		}
		set, err := x.decode(kv.Key, kv.Value)
		if err != nil {
			return entryid.Set{}, err
		}
		if set.IsUnbounded() {
			span.SetAttributes(attribute.Bool("result.unbounded", true))
			return entryid.Unbounded(), nil
		}
		acc.AddSet(set)
		if x.rangeLimit > 0 && acc.Len() > x.rangeLimit {
			span.SetAttributes(attribute.Bool("result.unbounded", true))
			return entryid.Unbounded(), nil
		}
	}
	if err := cur.Error(); err != nil {
		return entryid.Set{}, fmt.Errorf("index %s: read range: %w", x.name, err)
	}
	span.SetAttributes(attribute.Int("range.keys", keys), attribute.Int("result.size", acc.Len()))
	return acc.Set(), nil
}

// scanBounds converts a range predicate into the store's [lower, upper) form.
func scanBounds(low, high []byte, lowInclusive, highInclusive bool) (lower, upper []byte) {
	if low != nil {
		lower = low
		if !lowInclusive {
			lower = append(bytes.Clone(low), 0x00)
		}
	}
	if high != nil {
		upper = high
		if highInclusive {
			upper = append(bytes.Clone(high), 0x00)
		}
	}
	return lower, upper
}

func (x *KeyIndex) WriteKey(ctx context.Context, key []byte, set entryid.Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	switch {
	case set.IsUnbounded():
		err = x.tbl.Put(key, entryid.EncodeRecord(set))
	case x.overLimit(set.Len()):
		x.noteLimitExceeded(key, set.Len())
		err = x.tbl.Put(key, entryid.EncodeRecord(entryid.Unbounded()))
	case set.IsEmpty():
		err = x.tbl.Delete(key)
	default:
		err = x.tbl.Put(key, entryid.EncodeRecord(set))
	}
	if err != nil {
		return fmt.Errorf("index %s: write key: %w", x.name, err)
	}
	return nil
}

func (x *KeyIndex) ApplyDelta(ctx context.Context, key []byte, add, del []entryid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(add) == 0 && len(del) == 0 {
		return nil
	}
	err := x.tbl.Update(key, func(old []byte, found bool) ([]byte, store.WriteOp, error) {
		cur := entryid.Set{}
		if found {
			var err error
			if cur, err = x.decode(key, old); err != nil {
				return nil, store.Keep, err
			}
			if cur.IsUnbounded() {
				// Only a rebuild may shrink an Unbounded record.
				return nil, store.Keep, nil
			}
		}
		next := entryid.Union(cur, entryid.NewDefined(add...))
		if len(del) > 0 {
			next = entryid.Difference(next, entryid.NewDefined(del...))
		}
		switch {
		case x.overLimit(next.Len()):
			x.noteLimitExceeded(key, next.Len())
			return entryid.EncodeRecord(entryid.Unbounded()), store.Put, nil
		case next.IsEmpty():
			return nil, store.Delete, nil
		default:
			return entryid.EncodeRecord(next), store.Put, nil
		}
	})
	if err != nil {
		return fmt.Errorf("index %s: apply delta: %w", x.name, err)
	}
	return nil
}

func (x *KeyIndex) noteLimitExceeded(key []byte, size int) {
	x.limitExceeded.Add(1)
	if x.observer != nil {
		x.observer.EntryLimitExceeded(x.name)
	}
	x.logger.Debug("Entry limit exceeded, key is now unbounded", "key", string(key), "size", size, "limit", x.limit)
}

// Each calls fn for every record in key order.
func (x *KeyIndex) Each(ctx context.Context, fn func(key []byte, set entryid.Set) error) error {
	cur, err := x.tbl.Scan(nil, nil)
	if err != nil {
		return fmt.Errorf("index %s: scan: %w", x.name, err)
	}
	defer cur.Close()
	for cur.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		kv, err := cur.At()
		if err != nil {
			return err
		}
		set, err := x.decode(kv.Key, kv.Value)
		if err != nil {
			return err
		}
		if err := fn(kv.Key, set); err != nil {
			return err
		}
	}
	return cur.Error()
}

// Truncate removes every record. Only the rebuild path calls it.
func (x *KeyIndex) Truncate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.logger.Info("Truncating index")
	return x.tbl.Truncate()
}
