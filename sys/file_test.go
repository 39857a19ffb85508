package sys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSized(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "a.spill")

	f, err := CreateSized(name, 1<<16)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size(), "preallocation must not change the visible size")

	_, err = Create(name)
	assert.ErrorIs(t, err, os.ErrExist)

	before := ReadPreallocStats()
	assert.Positive(t, before.Successes+before.Unsupported+before.Failures)
}

func TestRemove_MissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, Remove(filepath.Join(dir, "nope")))

	sub := filepath.Join(dir, "run", "nested")
	require.NoError(t, MkdirAll(sub))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "x"), []byte("x"), 0o644))
	require.NoError(t, RemoveAll(filepath.Join(dir, "run")))
	_, err := os.Stat(filepath.Join(dir, "run"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type failingCreate struct {
	File
	err error
}

func (f failingCreate) Create(string) (*os.File, error) { return nil, f.err }

func TestSetDefaultFile(t *testing.T) {
	boom := errors.New("disk full")
	prev := SetDefaultFile(failingCreate{File: NewFile(), err: boom})
	t.Cleanup(func() { SetDefaultFile(prev) })

	_, err := CreateSized(filepath.Join(t.TempDir(), "a"), 10)
	assert.ErrorIs(t, err, boom)
}
