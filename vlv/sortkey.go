// Package vlv implements the sort-ordered, paged secondary index used for
// virtual list views: every matching entry's sort key is kept in ascending
// order across pages of bounded size.
package vlv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/INLOpen/dirindex/attr"
	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
)

var ErrInvalidSortOrder = errors.New("vlv: invalid sort order")

// SortKey is one attribute of a sort order.
type SortKey struct {
	Attribute  string
	Descending bool
	Encoder    attr.KeyEncoder
}

func (k SortKey) String() string {
	sign := "+"
	if k.Descending {
		sign = "-"
	}
	return sign + k.Attribute + ":" + k.Encoder.Name()
}

// SortOrder is a list of sort keys, most significant first.
type SortOrder []SortKey

// ParseSortOrder parses a space- or comma-separated list of attributes, each
// optionally prefixed with '+' (ascending, the default) or '-' and suffixed
// with ':<encoder>', e.g. "-sn givenName:caseignore +age:integer".
func ParseSortOrder(s string) (SortOrder, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSortOrder)
	}
	order := make(SortOrder, 0, len(fields))
	for _, f := range fields {
		var k SortKey
		switch f[0] {
		case '-':
			k.Descending = true
			f = f[1:]
		case '+':
			f = f[1:]
		}
		name, encName, _ := strings.Cut(f, ":")
		if name == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSortOrder, s)
		}
		enc, err := attr.ByName(encName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSortOrder, err)
		}
		k.Attribute = strings.ToLower(name)
		k.Encoder = enc
		order = append(order, k)
	}
	return order, nil
}

func (o SortOrder) String() string {
	parts := make([]string, len(o))
	for i, k := range o {
		parts[i] = k.String()
	}
	return strings.Join(parts, " ")
}

// SortValues is the projection of an entry onto a sort order. A nil value
// means the entry lacks the attribute.
type SortValues struct {
	ID     entryid.ID
	Values [][]byte
}

// Values projects e onto the order. For a multi-valued attribute the
// smallest encoded value is used for an ascending key and the largest for a
// descending one.
func (o SortOrder) Values(e *core.Entry) (SortValues, error) {
	sv := SortValues{ID: e.ID, Values: make([][]byte, len(o))}
	for i, k := range o {
		var best []byte
		for _, v := range e.Values(k.Attribute) {
			enc, err := k.Encoder.Encode(v)
			if err != nil {
				return SortValues{}, fmt.Errorf("entry %d: sort key %s: %w", e.ID, k.Attribute, err)
			}
			if best == nil {
				best = enc
				continue
			}
			c := bytes.Compare(enc, best)
			if (!k.Descending && c < 0) || (k.Descending && c > 0) {
				best = enc
			}
		}
		sv.Values[i] = best
	}
	return sv, nil
}

const (
	tagPresent byte = 0x01
	tagAbsent  byte = 0x02
)

// Key returns the canonical byte form of sv. Keys compare bytewise in
// exactly the order the sort order defines, with the entry id breaking ties.
//
// Each value segment is a tag byte followed, for present values, by the
// value with 0x00 escaped as 0x00 0xFF and terminated by 0x00 0x01. The
// escaped body is inverted for descending keys. The absent tag sorts after
// the present one in both directions.
func (o SortOrder) Key(sv SortValues) []byte {
	n := 8
	for _, v := range sv.Values {
		n += len(v) + 3
	}
	key := make([]byte, 0, n)
	for i, k := range o {
		var v []byte
		if i < len(sv.Values) {
			v = sv.Values[i]
		}
		if v == nil {
			key = append(key, tagAbsent)
			continue
		}
		key = append(key, tagPresent)
		start := len(key)
		for _, b := range v {
			if b == 0x00 {
				key = append(key, 0x00, 0xFF)
			} else {
				key = append(key, b)
			}
		}
		key = append(key, 0x00, 0x01)
		if k.Descending {
			for j := start; j < len(key); j++ {
				key[j] = ^key[j]
			}
		}
	}
	return binary.BigEndian.AppendUint64(key, sv.ID)
}

// EntryKey computes the canonical key of e.
func (o SortOrder) EntryKey(e *core.Entry) ([]byte, error) {
	sv, err := o.Values(e)
	if err != nil {
		return nil, err
	}
	return o.Key(sv), nil
}

// KeyID extracts the entry id from a canonical key.
func KeyID(key []byte) (entryid.ID, error) {
	if len(key) < 8 {
		return 0, core.NewDecodeError("vlv key", fmt.Errorf("key of %d bytes is too short", len(key)))
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), nil
}

// Compare orders two SortValues the same way their keys compare.
func (o SortOrder) Compare(a, b SortValues) int {
	for i, k := range o {
		av, bv := a.Values[i], b.Values[i]
		switch {
		case av == nil && bv == nil:
			continue
		case av == nil:
			return 1
		case bv == nil:
			return -1
		}
		c := bytes.Compare(av, bv)
		if k.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// SortIDs returns the ids of values in the order o defines.
func (o SortOrder) SortIDs(values []SortValues) []entryid.ID {
	vs := slices.Clone(values)
	slices.SortFunc(vs, o.Compare)
	ids := make([]entryid.ID, len(vs))
	for i, v := range vs {
		ids[i] = v.ID
	}
	return ids
}
