package core

import (
	"errors"
	"fmt"
)

// DecodeError reports a persisted or intermediate record that could not be
// parsed. It always indicates corruption and is never silently ignored.
type DecodeError struct {
	Source string // e.g. "index:cn.equality", "spill:/tmp/import-x/0001.spill"
	Offset int64  // byte offset of the bad record, -1 when unknown
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decode error in %s at offset %d: %v", e.Source, e.Offset, e.Err)
	}
	return fmt.Sprintf("decode error in %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError builds a DecodeError with an unknown offset.
func NewDecodeError(source string, err error) *DecodeError {
	return &DecodeError{Source: source, Offset: -1, Err: err}
}

// IsDecodeError checks if an error is a DecodeError.
func IsDecodeError(err error) bool {
	var decodeError *DecodeError
	return errors.As(err, &decodeError)
}

// UnsupportedTypeError is returned when a configured type name is unknown.
type UnsupportedTypeError struct {
	Kind  string // e.g. "compression", "encoder", "index kind"
	Value string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported %s: %q", e.Kind, e.Value)
}

func IsUnsupportedError(err error) bool {
	var unsupportedError *UnsupportedTypeError
	return errors.As(err, &unsupportedError)
}
