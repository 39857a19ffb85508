package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/dirindex/attr"
	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/index"
)

var (
	ErrDuplicateAttribute = errors.New("indexer: attribute already indexed")
	ErrEntryIDMismatch    = errors.New("indexer: old and new entry ids differ")
)

// Set is the ordered collection of attribute indexers of one backend.
type Set struct {
	indexers []*AttributeIndexer
	byAttr   map[string]*AttributeIndexer
	states   *index.States
	logger   *slog.Logger
}

// NewSet creates an empty Set. states may be nil, in which case every
// index is trusted.
func NewSet(states *index.States, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Set{
		byAttr: make(map[string]*AttributeIndexer),
		states: states,
		logger: logger.With("component", "IndexerSet"),
	}
}

func (s *Set) Add(a *AttributeIndexer) error {
	if _, ok := s.byAttr[a.Attribute]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAttribute, a.Attribute)
	}
	if a.SubstringLength <= 0 {
		a.SubstringLength = index.DefaultSubstringLength
	}
	s.indexers = append(s.indexers, a)
	s.byAttr[a.Attribute] = a
	return nil
}

func (s *Set) Indexers() []*AttributeIndexer {
	return s.indexers
}

func (s *Set) Get(attribute string) (*AttributeIndexer, bool) {
	a, ok := s.byAttr[attribute]
	return a, ok
}

// Lookup implements query.IndexResolver. Disabled and untrusted indexes are
// reported as absent.
func (s *Set) Lookup(attribute string, kind index.Kind) (index.Index, attr.KeyEncoder, bool) {
	a, ok := s.byAttr[attribute]
	if !ok {
		return nil, nil, false
	}
	idx, ok := a.Indexes[kind]
	if !ok {
		return nil, nil, false
	}
	if _, disabled := idx.(index.NullIndex); disabled {
		return nil, nil, false
	}
	if s.states != nil && !s.states.IsTrusted(idx.Name()) {
		return nil, nil, false
	}
	return idx, a.Encoder, true
}

func (s *Set) SubstringLength(attribute string) int {
	if a, ok := s.byAttr[attribute]; ok {
		return a.SubstringLength
	}
	return index.DefaultSubstringLength
}

// AddEntry adds e's id under every key it contributes.
func (s *Set) AddEntry(ctx context.Context, e *core.Entry) error {
	return s.apply(ctx, e, true)
}

// DeleteEntry removes e's id from every key it contributes.
func (s *Set) DeleteEntry(ctx context.Context, e *core.Entry) error {
	return s.apply(ctx, e, false)
}

func (s *Set) apply(ctx context.Context, e *core.Entry, add bool) error {
	ids := []entryid.ID{e.ID}
	for _, a := range s.indexers {
		for _, kind := range a.Kinds() {
			idx := a.Indexes[kind]
			keys, err := a.Keys(kind, e)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if add {
					err = idx.ApplyDelta(ctx, k, ids, nil)
				} else {
					err = idx.ApplyDelta(ctx, k, nil, ids)
				}
				if err != nil {
					return fmt.Errorf("entry %d: %w", e.ID, err)
				}
			}
		}
	}
	s.logger.Debug("Entry indexed", "id", e.ID, "add", add)
	return nil
}

// ModifyEntry applies the key-wise difference between old and updated. Keys
// present in both are not touched.
func (s *Set) ModifyEntry(ctx context.Context, old, updated *core.Entry) error {
	if old.ID != updated.ID {
		return fmt.Errorf("%w: %d != %d", ErrEntryIDMismatch, old.ID, updated.ID)
	}
	ids := []entryid.ID{updated.ID}
	for _, a := range s.indexers {
		for _, kind := range a.Kinds() {
			idx := a.Indexes[kind]
			prevKeys, err := a.Keys(kind, old)
			if err != nil {
				return err
			}
			nextKeys, err := a.Keys(kind, updated)
			if err != nil {
				return err
			}
			added, removed := DiffKeys(prevKeys, nextKeys)
			for _, k := range removed {
				if err := idx.ApplyDelta(ctx, k, nil, ids); err != nil {
					return fmt.Errorf("entry %d: %w", updated.ID, err)
				}
			}
			for _, k := range added {
				if err := idx.ApplyDelta(ctx, k, ids, nil); err != nil {
					return fmt.Errorf("entry %d: %w", updated.ID, err)
				}
			}
		}
	}
	return nil
}

// Names lists the registry names of every enabled index.
func (s *Set) Names() []string {
	var names []string
	for _, a := range s.indexers {
		for _, k := range a.Kinds() {
			if _, disabled := a.Indexes[k].(index.NullIndex); !disabled {
				names = append(names, a.Indexes[k].Name())
			}
		}
	}
	return names
}
