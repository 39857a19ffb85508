//go:build !linux

package sys

import "os"

// Preallocate is not available on this platform.
func Preallocate(f *os.File, size int64) error {
	return ErrPreallocNotSupported
}
