package core

import "strings"

// Entry is the minimal view of a directory entry the index layer needs:
// its identifier and its attribute values. Attribute names are stored
// lower-cased so lookups are case-insensitive.
type Entry struct {
	ID         uint64
	Attributes map[string][][]byte
}

// NewEntry creates an empty entry with the given identifier.
func NewEntry(id uint64) *Entry {
	return &Entry{ID: id, Attributes: make(map[string][][]byte)}
}

// Add appends values to an attribute.
func (e *Entry) Add(attribute string, values ...[]byte) *Entry {
	if e.Attributes == nil {
		e.Attributes = make(map[string][][]byte)
	}
	name := strings.ToLower(attribute)
	e.Attributes[name] = append(e.Attributes[name], values...)
	return e
}

// AddString is a convenience wrapper around Add for string values.
func (e *Entry) AddString(attribute string, values ...string) *Entry {
	for _, v := range values {
		e.Add(attribute, []byte(v))
	}
	return e
}

// Values returns the values of an attribute, or nil when it is absent.
func (e *Entry) Values(attribute string) [][]byte {
	if e == nil || e.Attributes == nil {
		return nil
	}
	return e.Attributes[strings.ToLower(attribute)]
}

// Has reports whether the attribute has at least one value.
func (e *Entry) Has(attribute string) bool {
	return len(e.Values(attribute)) > 0
}
