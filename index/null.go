package index

import (
	"bytes"
	"context"

	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/store"
)

// NullIndex stands in for an index that is configured off. Reads are empty
// and writes are discarded.
type NullIndex struct {
	name string
}

var _ Index = NullIndex{}

func NewNull(name string) NullIndex {
	return NullIndex{name: name}
}

func (n NullIndex) Name() string { return n.name }

func (NullIndex) ReadKey(context.Context, []byte) (entryid.Set, error) {
	return entryid.Set{}, nil
}

func (NullIndex) ReadRange(context.Context, []byte, []byte, bool, bool) (entryid.Set, error) {
	return entryid.Set{}, nil
}

func (NullIndex) WriteKey(context.Context, []byte, entryid.Set) error { return nil }

func (NullIndex) ApplyDelta(context.Context, []byte, []entryid.ID, []entryid.ID) error {
	return nil
}

func (NullIndex) EntryLimit() int        { return 0 }
func (NullIndex) Comparator() Comparator { return bytes.Compare }

// NewFor returns a KeyIndex when enabled and a NullIndex otherwise.
func NewFor(tbl store.Table, opts Options, enabled bool) (Index, error) {
	if !enabled {
		return NewNull(opts.Name), nil
	}
	return New(tbl, opts)
}
