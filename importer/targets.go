package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/INLOpen/dirindex/index"
	"github.com/INLOpen/dirindex/indexer"
	"github.com/INLOpen/dirindex/vlv"
)

var ErrUnknownIndex = errors.New("importer: unknown index")

// IndexTarget is one attribute index an import builds.
type IndexTarget struct {
	Name      string
	Attribute *indexer.AttributeIndexer
	Kind      index.Kind
	Index     index.Index
}

// Targets lists the indexes an import builds. States is the trust registry
// of the attribute indexes and may be nil.
type Targets struct {
	Indexes []IndexTarget
	VLV     []*vlv.SortedPagedIndex
	States  *index.States
}

// NewTargets selects indexes from set and vlvs by name. With no names every
// enabled index is selected. Disabled indexes are never targets.
func NewTargets(set *indexer.Set, vlvs []*vlv.SortedPagedIndex, states *index.States, names ...string) (Targets, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = false
	}
	selected := func(name string) bool {
		if len(names) == 0 {
			return true
		}
		if _, ok := want[name]; ok {
			want[name] = true
			return true
		}
		return false
	}

	t := Targets{States: states}
	if set != nil {
		for _, a := range set.Indexers() {
			for _, kind := range a.Kinds() {
				idx := a.Indexes[kind]
				if _, off := idx.(index.NullIndex); off {
					continue
				}
				name := indexer.IndexName(a.Attribute, kind)
				if selected(name) {
					t.Indexes = append(t.Indexes, IndexTarget{Name: name, Attribute: a, Kind: kind, Index: idx})
				}
			}
		}
	}
	for _, x := range vlvs {
		if selected(x.Name()) {
			t.VLV = append(t.VLV, x)
		}
	}
	for _, n := range names {
		if !want[n] {
			return Targets{}, fmt.Errorf("%w: %s", ErrUnknownIndex, n)
		}
	}
	return t, nil
}

// Names lists the target names, attribute indexes first.
func (t Targets) Names() []string {
	names := make([]string, 0, t.Len())
	for _, it := range t.Indexes {
		names = append(names, it.Name)
	}
	for _, x := range t.VLV {
		names = append(names, x.Name())
	}
	return names
}

func (t Targets) Len() int { return len(t.Indexes) + len(t.VLV) }

type truncater interface {
	Truncate(ctx context.Context) error
}

// invalidate marks every target untrusted and empties it.
func (t Targets) invalidate(ctx context.Context) error {
	for _, it := range t.Indexes {
		if t.States != nil {
			if err := t.States.SetTrusted(it.Name, false); err != nil {
				return err
			}
		}
		tr, ok := it.Index.(truncater)
		if !ok {
			return fmt.Errorf("index %s cannot be truncated", it.Name)
		}
		if err := tr.Truncate(ctx); err != nil {
			return err
		}
	}
	for _, x := range t.VLV {
		if err := x.SetTrusted(false); err != nil {
			return err
		}
		if err := x.Truncate(ctx); err != nil {
			return err
		}
	}
	return nil
}
