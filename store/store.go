// Package store adapts cockroachdb/pebble into the ordered byte-key store the
// index layer consumes: named tables with get/put/delete, bounded cursors,
// floor search and an exclusive read-modify-write path.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	ErrClosed      = errors.New("store: closed")
	ErrInvalidName = errors.New("store: invalid table name")
)

const lockStripes = 256

// Options configures the underlying pebble database.
type Options struct {
	Dir       string
	InMemory  bool   // use vfs.NewMem(); Dir is then only a label
	FS        vfs.FS // overrides InMemory when set
	CacheSize int64
	Sync      bool // fsync every write
	Logger    *slog.Logger
}

// Store is a pebble database partitioned into named tables.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger
	locks     [lockStripes]sync.Mutex
	closed    atomic.Bool

	mu     sync.Mutex
	tables map[string]*PebbleTable
}

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "Store")

	pOpts := &pebble.Options{Logger: pebbleLogger{logger}}
	switch {
	case opts.FS != nil:
		pOpts.FS = opts.FS
	case opts.InMemory:
		pOpts.FS = vfs.NewMem()
	}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		pOpts.Cache = cache
	}

	dir := opts.Dir
	if dir == "" {
		dir = "dirindex"
	}
	db, err := pebble.Open(dir, pOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	writeOpts := pebble.NoSync
	if opts.Sync {
		writeOpts = pebble.Sync
	}
	logger.Info("Store opened", "dir", dir, "in_memory", opts.InMemory || opts.FS != nil)
	return &Store{
		db:        db,
		writeOpts: writeOpts,
		logger:    logger,
		tables:    make(map[string]*PebbleTable),
	}, nil
}

// Table returns the table with the given name, creating its handle on first use.
// Names must be non-empty and must not contain a NUL byte.
func (s *Store) Table(name string) (*PebbleTable, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[name]; ok {
		return t, nil
	}
	t := newPebbleTable(s, name)
	s.tables[name] = t
	return t, nil
}

// MustTable is Table for names known to be valid.
func (s *Store) MustTable(name string) *PebbleTable {
	t, err := s.Table(name)
	if err != nil {
		panic(err)
	}
	return t
}

// DB exposes the pebble handle for metrics collection.
func (s *Store) DB() *pebble.DB {
	return s.db
}

// Flush forces the memtable to disk.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Flush()
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Closing store")
	return s.db.Close()
}

// lockFor returns the stripe guarding a fully-qualified key.
func (s *Store) lockFor(fullKey []byte) *sync.Mutex {
	return &s.locks[xxhash.Sum64(fullKey)%lockStripes]
}

// pebbleLogger routes pebble's internal logging through slog.
type pebbleLogger struct {
	logger *slog.Logger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "source", "pebble")
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Error(msg, "source", "pebble")
	panic(msg)
}
