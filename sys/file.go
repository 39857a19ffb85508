// Package sys wraps the file operations used for import spill files so they
// can be swapped out in tests.
package sys

import (
	"errors"
	"io/fs"
	"os"
	"sync/atomic"
	"time"
)

// File is the set of filesystem operations spill files go through.
type File interface {
	Create(name string) (*os.File, error)
	Open(name string) (*os.File, error)
	MkdirAll(path string, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(path string) error
}

// fileWrapper gives atomic.Value a single concrete type to store.
type fileWrapper struct {
	f File
}

var defaultFile atomic.Value // stores fileWrapper

func init() {
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile replaces the File used by the package-level helpers and
// returns the previous one.
func SetDefaultFile(file File) File {
	prev := defaultFile.Swap(fileWrapper{f: file})
	return prev.(fileWrapper).f
}

func current() File {
	return defaultFile.Load().(fileWrapper).f
}

// osFile is the File backed by the os package.
type osFile struct {
	removeRetries int
	retryInterval time.Duration
}

func NewFile() File {
	return &osFile{removeRetries: 5, retryInterval: 20 * time.Millisecond}
}

func (o *osFile) Create(name string) (*os.File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
}

func (o *osFile) Open(name string) (*os.File, error) {
	return os.Open(name)
}

func (o *osFile) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Remove retries with backoff and treats a missing file as removed.
func (o *osFile) Remove(name string) error {
	var err error
	for i := 0; i < o.removeRetries; i++ {
		err = os.Remove(name)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		time.Sleep(o.retryInterval * time.Duration(1<<i))
	}
	return err
}

func (o *osFile) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Create creates a new file and fails if it already exists.
func Create(name string) (*os.File, error) { return current().Create(name) }

func Open(name string) (*os.File, error) { return current().Open(name) }

func MkdirAll(path string) error { return current().MkdirAll(path, 0o755) }

// Remove deletes a file. A file that does not exist is not an error.
func Remove(name string) error { return current().Remove(name) }

func RemoveAll(path string) error { return current().RemoveAll(path) }

// CreateSized creates a file and preallocates sizeHint bytes for it when the
// filesystem supports it. Preallocation failures are ignored.
func CreateSized(name string, sizeHint int64) (*os.File, error) {
	f, err := Create(name)
	if err != nil {
		return nil, err
	}
	if err := Preallocate(f, sizeHint); err != nil {
		if errors.Is(err, ErrPreallocNotSupported) {
			preallocUnsupportedInc()
		} else {
			preallocFailureInc()
		}
	} else if sizeHint > 0 {
		preallocSuccessInc()
	}
	return f, nil
}
