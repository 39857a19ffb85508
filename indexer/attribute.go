package indexer

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/INLOpen/dirindex/attr"
	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/index"
)

// AttributeIndexer produces the index keys of one attribute.
type AttributeIndexer struct {
	Attribute       string
	Encoder         attr.KeyEncoder
	Indexes         map[index.Kind]index.Index
	SubstringLength int
}

// IndexName is the table and registry name of an attribute's index of kind.
func IndexName(attribute string, kind index.Kind) string {
	return attribute + "." + kind.String()
}

// Keys returns the sorted, distinct keys entry contributes to the index of
// the given kind. An entry without the attribute contributes none.
func (a *AttributeIndexer) Keys(kind index.Kind, e *core.Entry) ([][]byte, error) {
	values := e.Values(a.Attribute)
	if len(values) == 0 {
		return nil, nil
	}
	if kind == index.Presence {
		return [][]byte{index.PresenceKey}, nil
	}

	seen := make(map[string]struct{}, len(values))
	var keys [][]byte
	add := func(k []byte) {
		if _, ok := seen[string(k)]; ok {
			return
		}
		seen[string(k)] = struct{}{}
		keys = append(keys, k)
	}

	for _, v := range values {
		switch kind {
		case index.Equality, index.Ordering:
			k, err := a.Encoder.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %s: %w", e.ID, a.Attribute, err)
			}
			add(k)
		case index.Substring:
			k, err := a.Encoder.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %s: %w", e.ID, a.Attribute, err)
			}
			for _, sk := range index.SubstringKeys(k, a.SubstringLength) {
				add(sk)
			}
		case index.Approximate:
			approx, ok := a.Encoder.(attr.ApproxEncoder)
			if !ok {
				return nil, nil
			}
			k, err := approx.ApproximateKey(v)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %s: %w", e.ID, a.Attribute, err)
			}
			add(k)
		default:
			return nil, &core.UnsupportedTypeError{Kind: "index kind", Value: kind.String()}
		}
	}
	slices.SortFunc(keys, bytes.Compare)
	return keys, nil
}

// Kinds returns the configured kinds in declaration order.
func (a *AttributeIndexer) Kinds() []index.Kind {
	var kinds []index.Kind
	for _, k := range index.AllKinds() {
		if _, ok := a.Indexes[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// DiffKeys splits two sorted key lists into the keys only in next (added)
// and the keys only in prev (removed).
func DiffKeys(prev, next [][]byte) (added, removed [][]byte) {
	i, j := 0, 0
	for i < len(prev) && j < len(next) {
		switch c := bytes.Compare(prev[i], next[j]); {
		case c < 0:
			removed = append(removed, prev[i])
			i++
		case c > 0:
			added = append(added, next[j])
			j++
		default:
			i++
			j++
		}
	}
	removed = append(removed, prev[i:]...)
	added = append(added, next[j:]...)
	return added, removed
}
