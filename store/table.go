package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/INLOpen/dirindex/core"
	"github.com/cockroachdb/pebble"
)

// KV is one key/value pair returned by a Cursor. Both slices are only valid
// until the cursor moves.
type KV struct {
	Key   []byte
	Value []byte
}

// Cursor is a forward scan over a key range.
type Cursor = core.IteratorInterface[KV]

// WriteOp tells Update what to do with the value returned by an UpdateFunc.
type WriteOp int

const (
	Keep WriteOp = iota
	Put
	Delete
)

// UpdateFunc computes the new state of a key from its current value.
type UpdateFunc func(old []byte, found bool) (value []byte, op WriteOp, err error)

// Table is an ordered key space within the store. Keys compare bytewise.
type Table interface {
	Name() string
	// Get returns a copy of the value stored under key.
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Update performs a read-modify-write of one key while holding the key's
	// exclusive lock, so concurrent updaters never act on a stale read.
	Update(key []byte, fn UpdateFunc) error
	// Scan iterates keys in [lower, upper). A nil bound is open.
	Scan(lower, upper []byte) (Cursor, error)
	// Floor returns the greatest key <= key.
	Floor(key []byte) (k, v []byte, found bool, err error)
	// After returns the smallest key > key.
	After(key []byte) (k []byte, found bool, err error)
	NewBatch() *Batch
	// Truncate removes every key of the table.
	Truncate() error
}

// PebbleTable stores its keys under "<name>\x00<key>".
type PebbleTable struct {
	s      *Store
	name   string
	prefix []byte
	end    []byte
}

var _ Table = (*PebbleTable)(nil)

func newPebbleTable(s *Store, name string) *PebbleTable {
	prefix := append([]byte(name), 0x00)
	end := append([]byte(name), 0x01)
	return &PebbleTable{s: s, name: name, prefix: prefix, end: end}
}

func (t *PebbleTable) Name() string {
	return t.name
}

func (t *PebbleTable) fullKey(key []byte) []byte {
	fk := make([]byte, 0, len(t.prefix)+len(key))
	fk = append(fk, t.prefix...)
	return append(fk, key...)
}

func (t *PebbleTable) Get(key []byte) ([]byte, bool, error) {
	if t.s.closed.Load() {
		return nil, false, ErrClosed
	}
	return t.get(t.fullKey(key))
}

func (t *PebbleTable) get(fullKey []byte) ([]byte, bool, error) {
	val, closer, err := t.s.db.Get(fullKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("table %s: get: %w", t.name, err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (t *PebbleTable) Put(key, value []byte) error {
	if t.s.closed.Load() {
		return ErrClosed
	}
	if err := t.s.db.Set(t.fullKey(key), value, t.s.writeOpts); err != nil {
		return fmt.Errorf("table %s: put: %w", t.name, err)
	}
	return nil
}

func (t *PebbleTable) Delete(key []byte) error {
	if t.s.closed.Load() {
		return ErrClosed
	}
	if err := t.s.db.Delete(t.fullKey(key), t.s.writeOpts); err != nil {
		return fmt.Errorf("table %s: delete: %w", t.name, err)
	}
	return nil
}

func (t *PebbleTable) Update(key []byte, fn UpdateFunc) error {
	if t.s.closed.Load() {
		return ErrClosed
	}
	fk := t.fullKey(key)
	mu := t.s.lockFor(fk)
	mu.Lock()
	defer mu.Unlock()

	old, found, err := t.get(fk)
	if err != nil {
		return err
	}
	value, op, err := fn(old, found)
	if err != nil {
		return err
	}
	switch op {
	case Put:
		err = t.s.db.Set(fk, value, t.s.writeOpts)
	case Delete:
		if found {
			err = t.s.db.Delete(fk, t.s.writeOpts)
		}
	}
	if err != nil {
		return fmt.Errorf("table %s: update: %w", t.name, err)
	}
	return nil
}

func (t *PebbleTable) bounds(lower, upper []byte) *pebble.IterOptions {
	o := &pebble.IterOptions{LowerBound: t.prefix, UpperBound: t.end}
	if lower != nil {
		o.LowerBound = t.fullKey(lower)
	}
	if upper != nil {
		o.UpperBound = t.fullKey(upper)
	}
	return o
}

func (t *PebbleTable) Scan(lower, upper []byte) (Cursor, error) {
	if t.s.closed.Load() {
		return nil, ErrClosed
	}
	it, err := t.s.db.NewIter(t.bounds(lower, upper))
	if err != nil {
		return nil, fmt.Errorf("table %s: new iterator: %w", t.name, err)
	}
	return &pebbleCursor{it: it, prefixLen: len(t.prefix)}, nil
}

func (t *PebbleTable) Floor(key []byte) ([]byte, []byte, bool, error) {
	if t.s.closed.Load() {
		return nil, nil, false, ErrClosed
	}
	upper := append(t.fullKey(key), 0x00)
	it, err := t.s.db.NewIter(&pebble.IterOptions{LowerBound: t.prefix, UpperBound: upper})
	if err != nil {
		return nil, nil, false, fmt.Errorf("table %s: new iterator: %w", t.name, err)
	}
	defer it.Close()
	if !it.Last() {
		return nil, nil, false, it.Error()
	}
	k := bytes.Clone(it.Key()[len(t.prefix):])
	v := bytes.Clone(it.Value())
	return k, v, true, nil
}

func (t *PebbleTable) After(key []byte) ([]byte, bool, error) {
	if t.s.closed.Load() {
		return nil, false, ErrClosed
	}
	lower := append(t.fullKey(key), 0x00)
	it, err := t.s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: t.end})
	if err != nil {
		return nil, false, fmt.Errorf("table %s: new iterator: %w", t.name, err)
	}
	defer it.Close()
	if !it.First() {
		return nil, false, it.Error()
	}
	return bytes.Clone(it.Key()[len(t.prefix):]), true, nil
}

func (t *PebbleTable) Truncate() error {
	if t.s.closed.Load() {
		return ErrClosed
	}
	if err := t.s.db.DeleteRange(t.prefix, t.end, t.s.writeOpts); err != nil {
		return fmt.Errorf("table %s: truncate: %w", t.name, err)
	}
	return nil
}

func (t *PebbleTable) NewBatch() *Batch {
	return &Batch{t: t, b: t.s.db.NewBatch()}
}

// Batch groups writes to one table so they become visible atomically.
type Batch struct {
	t *PebbleTable
	b *pebble.Batch
	n int
}

func (b *Batch) Put(key, value []byte) error {
	b.n++
	return b.b.Set(b.t.fullKey(key), value, nil)
}

func (b *Batch) Delete(key []byte) error {
	b.n++
	return b.b.Delete(b.t.fullKey(key), nil)
}

// Len returns the number of queued writes.
func (b *Batch) Len() int {
	return b.n
}

// Commit applies the batch and releases it.
func (b *Batch) Commit() error {
	defer b.b.Close()
	if b.t.s.closed.Load() {
		return ErrClosed
	}
	if err := b.b.Commit(b.t.s.writeOpts); err != nil {
		return fmt.Errorf("table %s: commit batch: %w", b.t.name, err)
	}
	return nil
}

// Abort drops the batch without applying it.
func (b *Batch) Abort() {
	_ = b.b.Close()
}

type pebbleCursor struct {
	it        *pebble.Iterator
	prefixLen int
	started   bool
	closed    bool
}

func (c *pebbleCursor) Next() bool {
	if c.closed {
		return false
	}
	if !c.started {
		c.started = true
		return c.it.First()
	}
	return c.it.Next()
}

func (c *pebbleCursor) At() (KV, error) {
	if !c.it.Valid() {
		return KV{}, c.it.Error()
	}
	return KV{Key: c.it.Key()[c.prefixLen:], Value: c.it.Value()}, nil
}

func (c *pebbleCursor) Error() error {
	return c.it.Error()
}

func (c *pebbleCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.it.Close()
}
