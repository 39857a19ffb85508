// Package testutil holds helpers shared by package tests.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/INLOpen/dirindex/store"
	"github.com/stretchr/testify/require"
)

// DiscardLogger returns a logger that drops everything. Set DIRINDEX_TEST_LOG=1
// to see debug output on stderr instead.
func DiscardLogger() *slog.Logger {
	if VerboseLogging() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// VerboseLogging reports whether DIRINDEX_TEST_LOG is set to a true value.
func VerboseLogging() bool {
	v := strings.TrimSpace(os.Getenv("DIRINDEX_TEST_LOG"))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// NewMemStore opens an in-memory pebble store closed at test cleanup.
func NewMemStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{InMemory: true, Logger: DiscardLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewTable returns a fresh table of an in-memory store.
func NewTable(t testing.TB, name string) store.Table {
	t.Helper()
	return NewMemStore(t).MustTable(name)
}
