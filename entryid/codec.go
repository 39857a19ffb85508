package entryid

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/dirindex/core"
)

var (
	errTruncated   = errors.New("truncated id list")
	errNotSorted   = errors.New("id list is not strictly ascending")
	errTrailing    = errors.New("trailing bytes after id list")
	errImplausible = errors.New("id count exceeds record length")
)

// EncodeRecord encodes a set as a persisted index record. A Defined set is a
// uvarint count followed by delta-encoded uvarint ids. Unbounded is the
// zero-length record.
func EncodeRecord(s Set) []byte {
	if s.unbounded {
		return []byte{}
	}
	return AppendIDs(make([]byte, 0, 1+len(s.ids)*2), s.ids)
}

// AppendIDs appends the count-prefixed delta encoding of ascending ids to dst.
func AppendIDs(dst []byte, ids []ID) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(ids)))
	var prev ID
	for _, id := range ids {
		dst = binary.AppendUvarint(dst, id-prev)
		prev = id
	}
	return dst
}

// DecodeRecord decodes a persisted index record.
func DecodeRecord(b []byte) (Set, error) {
	if len(b) == 0 {
		return Unbounded(), nil
	}
	ids, n, err := ReadIDs(b)
	if err != nil {
		return Set{}, core.NewDecodeError("index record", err)
	}
	if n != len(b) {
		return Set{}, &core.DecodeError{Source: "index record", Offset: int64(n), Err: errTrailing}
	}
	return Set{ids: ids}, nil
}

// ReadIDs decodes one count-prefixed id list from the front of b and returns
// the ids and the number of bytes consumed.
func ReadIDs(b []byte) ([]ID, int, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, errTruncated
	}
	if count > uint64(len(b)-n) {
		return nil, 0, fmt.Errorf("%w: count=%d, bytes=%d", errImplausible, count, len(b)-n)
	}
	pos := n
	ids := make([]ID, 0, count)
	var prev ID
	for i := uint64(0); i < count; i++ {
		delta, m := binary.Uvarint(b[pos:])
		if m <= 0 {
			return nil, 0, errTruncated
		}
		pos += m
		id := prev + delta
		if i > 0 && (delta == 0 || id < prev) {
			return nil, 0, errNotSorted
		}
		ids = append(ids, id)
		prev = id
	}
	return ids, pos, nil
}
