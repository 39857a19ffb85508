// Package attr turns attribute values into index keys. Every encoder is
// order-preserving under bytewise comparison, so the store's byte order is
// the attribute's ordering rule.
package attr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/INLOpen/dirindex/core"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var ErrInvalidValue = errors.New("attr: invalid attribute value")

// KeyEncoder normalizes an attribute value into its index key.
type KeyEncoder interface {
	Name() string
	Encode(value []byte) ([]byte, error)
}

// ApproxEncoder is implemented by encoders that support approximate matching.
type ApproxEncoder interface {
	ApproximateKey(value []byte) ([]byte, error)
}

// Octet compares values byte for byte.
type Octet struct{}

func (Octet) Name() string { return "octet" }

func (Octet) Encode(value []byte) ([]byte, error) {
	return bytes.Clone(value), nil
}

// CaseIgnore applies NFKC normalization, Unicode case folding and
// insignificant-space handling: leading and trailing spaces are dropped and
// inner runs of spaces collapse to one.
type CaseIgnore struct{}

func (CaseIgnore) Name() string { return "caseignore" }

func (CaseIgnore) Encode(value []byte) ([]byte, error) {
	return []byte(foldString(string(value))), nil
}

func (CaseIgnore) ApproximateKey(value []byte) ([]byte, error) {
	return soundex(foldString(string(value))), nil
}

func foldString(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Integer encodes signed decimal integers as 8 big-endian bytes with the
// sign bit flipped, so negative numbers sort before positive ones.
type Integer struct{}

func (Integer) Name() string { return "integer" }

func (Integer) Encode(value []byte) ([]byte, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, value)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(n)^(1<<63))
	return key, nil
}

// DecodeInteger reverses Integer.Encode.
func DecodeInteger(key []byte) (int64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("%w: integer key must be 8 bytes, got %d", ErrInvalidValue, len(key))
	}
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63)), nil
}

// ByName resolves an encoder name from configuration.
func ByName(name string) (KeyEncoder, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "")) {
	case "", "caseignore":
		return CaseIgnore{}, nil
	case "octet", "exact":
		return Octet{}, nil
	case "integer", "int":
		return Integer{}, nil
	default:
		return nil, &core.UnsupportedTypeError{Kind: "encoder", Value: name}
	}
}

var soundexCodes = [26]byte{
	// a b c d e f g h i j k l m n o p q r s t u v w x y z
	0, '1', '2', '3', 0, '1', '2', 0, 0, '2', '2', '4', '5', '5', 0, '1', '2', '6', '2', '3', 0, '1', 0, '2', 0, '2',
}

// soundex computes the American Soundex code of the first word-ish run of
// ASCII letters in s. Values without letters are returned unchanged so they
// still land on a deterministic key.
func soundex(s string) []byte {
	out := make([]byte, 0, 4)
	var last byte
	for i := 0; i < len(s) && len(out) < 4; i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c < 'a' || c > 'z' {
			continue
		}
		code := soundexCodes[c-'a']
		if len(out) == 0 {
			out = append(out, c-'a'+'A')
			last = code
			continue
		}
		if code != 0 && code != last {
			out = append(out, code)
		}
		if c != 'h' && c != 'w' {
			last = code
		}
	}
	if len(out) == 0 {
		return []byte(s)
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return out
}
