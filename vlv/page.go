package vlv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"slices"

	"github.com/INLOpen/dirindex/core"
)

// Page is one stored run of canonical keys. Boundary is the page's table
// key: empty for the first page, otherwise its first key when it was split
// off.
type Page struct {
	Boundary []byte
	Keys     [][]byte
}

func (p *Page) Len() int { return len(p.Keys) }

// Insert adds key at its sorted position. It reports false if the key was
// already present.
func (p *Page) Insert(key []byte) bool {
	i, found := slices.BinarySearchFunc(p.Keys, key, bytes.Compare)
	if found {
		return false
	}
	p.Keys = slices.Insert(p.Keys, i, key)
	return true
}

// Remove deletes key. It reports false if the key was not present.
func (p *Page) Remove(key []byte) bool {
	i, found := slices.BinarySearchFunc(p.Keys, key, bytes.Compare)
	if !found {
		return false
	}
	p.Keys = slices.Delete(p.Keys, i, i+1)
	return true
}

// Split moves the upper half of p into a new page keyed by its first key.
func (p *Page) Split() *Page {
	mid := len(p.Keys) / 2
	upper := &Page{Keys: slices.Clone(p.Keys[mid:])}
	upper.Boundary = upper.Keys[0]
	p.Keys = slices.Clip(p.Keys[:mid])
	return upper
}

// Last returns the greatest key of the page, or nil if it is empty.
func (p *Page) Last() []byte {
	if len(p.Keys) == 0 {
		return nil
	}
	return p.Keys[len(p.Keys)-1]
}

var (
	errPageTruncated = errors.New("truncated page")
	errPageTrailing  = errors.New("trailing bytes after page")
)

// encodePage writes a uvarint key count followed by uvarint-length-prefixed
// keys.
func encodePage(p *Page) []byte {
	n := binary.MaxVarintLen64
	for _, k := range p.Keys {
		n += len(k) + 2
	}
	buf := make([]byte, 0, n)
	buf = binary.AppendUvarint(buf, uint64(len(p.Keys)))
	for _, k := range p.Keys {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
	}
	return buf
}

func decodePage(boundary, b []byte) (*Page, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 || count > uint64(len(b)) {
		return nil, core.NewDecodeError("vlv page", errPageTruncated)
	}
	off := n
	p := &Page{Boundary: boundary, Keys: make([][]byte, 0, count)}
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(b[off:])
		if n <= 0 || l > uint64(len(b)-off-n) {
			return nil, &core.DecodeError{Source: "vlv page", Offset: int64(off), Err: errPageTruncated}
		}
		off += n
		p.Keys = append(p.Keys, b[off:off+int(l):off+int(l)])
		off += int(l)
	}
	if off != len(b) {
		return nil, &core.DecodeError{Source: "vlv page", Offset: int64(off), Err: errPageTrailing}
	}
	return p, nil
}
