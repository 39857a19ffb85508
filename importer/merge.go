package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/index"
	"github.com/INLOpen/dirindex/iterator"
	"github.com/INLOpen/dirindex/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// MergeObserver receives per-index merge totals.
type MergeObserver interface {
	KeysMerged(index string, written, unbounded int)
}

type MergeOptions struct {
	// Append merges into the existing records instead of replacing them.
	Append bool
	// Replace applies the delete deltas of the spill files.
	Replace bool
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics MergeObserver
}

type MergeStats struct {
	Files      int
	Keys       int // distinct keys read from the spill files
	Written    int // keys written with a non-empty record
	Removed    int // existing keys whose record became empty
	Unbounded  int // keys written over the entry limit
	Skipped    int // keys whose existing record was already Unbounded
	IDsAdded   int
	IDsDeleted int
}

func (s MergeStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("files", s.Files),
		slog.Int("keys", s.Keys),
		slog.Int("written", s.Written),
		slog.Int("removed", s.Removed),
		slog.Int("unbounded", s.Unbounded),
		slog.Int("skipped", s.Skipped),
		slog.Int("ids_added", s.IDsAdded),
		slog.Int("ids_deleted", s.IDsDeleted),
	)
}

// MergeRecord gathers every spill record of one key across all readers.
type MergeRecord struct {
	Key     []byte
	Readers []int
	adds    *entryid.Accumulator
	dels    *entryid.Accumulator
}

func newMergeRecord() *MergeRecord {
	return &MergeRecord{adds: entryid.NewAccumulator(), dels: entryid.NewAccumulator()}
}

func (r *MergeRecord) reset(key []byte) {
	r.Key = key
	r.Readers = r.Readers[:0]
	r.adds.Reset()
	r.dels.Reset()
}

func (r *MergeRecord) collect(rec core.Record, reader int) {
	r.Readers = append(r.Readers, reader)
	if len(rec.Adds) > 0 {
		r.adds.AddMany(rec.Adds)
	}
	if len(rec.Dels) > 0 {
		r.dels.AddMany(rec.Dels)
	}
}

func (r *MergeRecord) Adds() entryid.Set { return r.adds.Set() }
func (r *MergeRecord) Dels() entryid.Set { return r.dels.Set() }

// BulkIndexMerger merges the spill files of one index into the index with
// a k-way merge. Each key is written once.
type BulkIndexMerger struct {
	idx    index.Index
	files  []string
	opts   MergeOptions
	logger *slog.Logger
	tracer trace.Tracer
}

func NewBulkIndexMerger(idx index.Index, files []string, opts MergeOptions) *BulkIndexMerger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("dirindex/importer")
	}
	return &BulkIndexMerger{
		idx:    idx,
		files:  files,
		opts:   opts,
		logger: logger.With("component", "BulkIndexMerger", "index", idx.Name()),
		tracer: tracer,
	}
}

func recordKey(r core.Record) []byte { return r.Key }

// openReaders opens one reader per file. On error the readers opened so far
// are closed.
func openReaders(files []string) ([]core.IteratorInterface[core.Record], error) {
	readers := make([]core.IteratorInterface[core.Record], 0, len(files))
	for _, name := range files {
		r, err := OpenSpill(name)
		if err != nil {
			for _, open := range readers {
				open.Close()
			}
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, nil
}

func removeFiles(logger *slog.Logger, files []string) {
	for _, name := range files {
		if err := sys.Remove(name); err != nil {
			logger.Warn("Failed to remove spill file", "file", name, "error", err)
		}
	}
}

// Merge runs the merge. The spill files are removed when it returns, whether
// or not it succeeded.
func (m *BulkIndexMerger) Merge(ctx context.Context) (stats MergeStats, err error) {
	ctx, span := m.tracer.Start(ctx, "BulkIndexMerger.Merge")
	defer func() {
		span.SetAttributes(
			attribute.String("index.name", m.idx.Name()),
			attribute.Int("merge.files", stats.Files),
			attribute.Int("merge.keys", stats.Keys),
			attribute.Int("merge.unbounded", stats.Unbounded),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	defer removeFiles(m.logger, m.files)

	stats.Files = len(m.files)
	readers, err := openReaders(m.files)
	if err != nil {
		return stats, err
	}
	cmp := m.idx.Comparator()
	frontier, err := iterator.NewMergeHeap(readers, recordKey, cmp)
	if err != nil {
		return stats, fmt.Errorf("index %s: prime merge: %w", m.idx.Name(), err)
	}
	defer frontier.Close()

	arena := core.NewArena(0)
	rec := newMergeRecord()
	for frontier.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec.reset(arena.Copy(frontier.Key()))
		for frontier.Len() > 0 && cmp(frontier.Key(), rec.Key) == 0 {
			r, src := frontier.Peek()
			rec.collect(r, src)
			if err := frontier.Next(); err != nil {
				return stats, fmt.Errorf("index %s: %w", m.idx.Name(), err)
			}
		}
		stats.Keys++
		if err := m.apply(ctx, rec, &stats); err != nil {
			return stats, err
		}
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.KeysMerged(m.idx.Name(), stats.Written, stats.Unbounded)
	}
	m.logger.Debug("Index merge finished", "stats", stats)
	return stats, nil
}

func (m *BulkIndexMerger) apply(ctx context.Context, rec *MergeRecord, stats *MergeStats) error {
	var existing entryid.Set
	if m.opts.Append {
		var err error
		existing, err = m.idx.ReadKey(ctx, rec.Key)
		if err != nil {
			return err
		}
		if existing.IsUnbounded() {
			stats.Skipped++
			return nil
		}
	}

	adds := rec.Adds()
	stats.IDsAdded += adds.Len()
	merged := entryid.Union(existing, adds)
	if m.opts.Replace {
		dels := rec.Dels()
		stats.IDsDeleted += dels.Len()
		merged = entryid.Difference(merged, dels)
	}

	if merged.IsEmpty() {
		if existing.IsEmpty() {
			return nil
		}
		stats.Removed++
	} else {
		stats.Written++
		if limit := m.idx.EntryLimit(); limit > 0 && merged.Len() > limit {
			stats.Unbounded++
		}
	}
	if err := m.idx.WriteKey(ctx, rec.Key, merged); err != nil {
		return fmt.Errorf("index %s: write key %q: %w", m.idx.Name(), rec.Key, err)
	}
	return nil
}
