// Package importer builds attribute and VLV indexes in bulk. Workers turn
// entries into per-index deltas held in sorted in-memory buffers, spill the
// buffers to disk as sorted runs, and a merge phase then k-way merges the
// runs of each index into the store.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/sys"
	"github.com/INLOpen/dirindex/vlv"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

var (
	ErrStopped        = errors.New("importer: import stopped")
	ErrClosed         = errors.New("importer: input closed")
	ErrAlreadyStarted = errors.New("importer: Run already called")
)

const (
	DefaultPollInterval     = time.Second
	DefaultProgressInterval = 10 * time.Second

	defaultBufferCapacity = 64 * 1024
	minBufferCapacity     = 1024
	maxBufferCapacity     = 1 << 20
	// bytesPerPair approximates the memory one buffered (key, id) pair costs.
	bytesPerPair = 64
)

// Observer receives import counters.
type Observer interface {
	MergeObserver
	EntriesImported(n int)
}

type Options struct {
	Workers   int
	QueueSize int
	// PollInterval bounds how long a worker waits for input before it
	// checks whether the import was stopped.
	PollInterval time.Duration
	// BufferCapacity is the number of (key, id) pairs a worker buffers per
	// index before spilling. 0 sizes buffers from available memory.
	BufferCapacity int
	TempDir        string
	Compression    core.CompressionType
	// Append merges into the current index contents. Without it every
	// target is emptied and untrusted before the import starts.
	Append           bool
	Replace          bool
	MergeParallelism int
	// ProgressInterval is the period of progress log lines. A negative
	// value disables them.
	ProgressInterval time.Duration
	Logger           *slog.Logger
	Tracer           trace.Tracer
	Metrics          Observer
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = o.Workers * 64
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	if o.MergeParallelism <= 0 {
		o.MergeParallelism = runtime.GOMAXPROCS(0)
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("dirindex/importer")
	}
	return o
}

// Item is one entry to index. Old is the entry it replaces, if any; with
// Replace set its keys become delete deltas.
type Item struct {
	Entry *core.Entry
	Old   *core.Entry
}

// Result summarises a run. Failed holds the indexes whose merge failed;
// the other indexes are complete.
type Result struct {
	Entries int64
	Indexes map[string]MergeStats
	VLV     map[string]vlv.BulkStats
	Failed  map[string]error
}

// Importer runs one bulk import. It is used once: Submit entries, Close the
// input and Run, or use ImportFrom to do all three.
type Importer struct {
	targets Targets
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer

	queue     chan Item
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	started   atomic.Bool
	stopped   atomic.Bool
	entries   atomic.Int64

	bufferCapacity int
	runDir         string

	mu         sync.Mutex
	indexFiles [][]string
	vlvAdds    [][]string
	vlvDels    [][]string
}

func New(targets Targets, opts Options) *Importer {
	opts = opts.withDefaults()
	i := &Importer{
		targets:    targets,
		opts:       opts,
		logger:     opts.Logger.With("component", "Importer"),
		tracer:     opts.Tracer,
		queue:      make(chan Item, opts.QueueSize),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
		indexFiles: make([][]string, len(targets.Indexes)),
		vlvAdds:    make([][]string, len(targets.VLV)),
		vlvDels:    make([][]string, len(targets.VLV)),
	}
	i.bufferCapacity = opts.BufferCapacity
	if i.bufferCapacity <= 0 {
		i.bufferCapacity = sizeBuffers(opts.Workers, targets.Len(), i.logger)
	}
	return i
}

// sizeBuffers splits a quarter of the available memory across every
// worker's buffers.
func sizeBuffers(workers, targets int, logger *slog.Logger) int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("Cannot read available memory, using default buffer capacity", "error", err)
		return defaultBufferCapacity
	}
	perBuffer := vm.Available / 4 / uint64(workers*max(targets, 1)*bytesPerPair)
	capacity := int(min(perBuffer, maxBufferCapacity))
	capacity = max(capacity, minBufferCapacity)
	logger.Debug("Sized import buffers", "available_bytes", vm.Available, "capacity", capacity)
	return capacity
}

// BufferCapacity returns the per-index buffer capacity workers use.
func (i *Importer) BufferCapacity() int { return i.bufferCapacity }

// Entries returns the number of entries processed so far.
func (i *Importer) Entries() int64 { return i.entries.Load() }

// Submit queues an item. It blocks while the queue is full.
func (i *Importer) Submit(ctx context.Context, item Item) error {
	if item.Entry == nil {
		return errors.New("importer: nil entry")
	}
	if i.stopped.Load() {
		return ErrStopped
	}
	select {
	case <-i.closed:
		return ErrClosed
	default:
	}
	select {
	case i.queue <- item:
		return nil
	case <-i.closed:
		return ErrClosed
	case <-i.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no more items will be submitted. Workers drain the
// queue and finish.
func (i *Importer) Close() {
	i.closeOnce.Do(func() { close(i.closed) })
}

// Stop asks the workers to give up. They notice within one PollInterval;
// a merge already in progress is not interrupted.
func (i *Importer) Stop() {
	i.stopped.Store(true)
}

// Run processes the queue until Close, then merges every target.
func (i *Importer) Run(ctx context.Context) (res Result, err error) {
	if !i.started.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyStarted
	}
	ctx, span := i.tracer.Start(ctx, "Importer.Run")
	defer func() {
		span.SetAttributes(
			attribute.Int64("import.entries", res.Entries),
			attribute.Int("import.targets", i.targets.Len()),
			attribute.Int("import.failed", len(res.Failed)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Without Append the targets are built from scratch: untrusted and
	// empty until their merge succeeds.
	if !i.opts.Append {
		if err := i.targets.invalidate(ctx); err != nil {
			close(i.done)
			return Result{}, fmt.Errorf("prepare targets: %w", err)
		}
	}

	i.runDir = filepath.Join(i.opts.TempDir, "import-"+uuid.NewString())
	if err := sys.MkdirAll(i.runDir); err != nil {
		close(i.done)
		return Result{}, fmt.Errorf("create spill directory: %w", err)
	}
	defer func() {
		if rerr := sys.RemoveAll(i.runDir); rerr != nil {
			i.logger.Warn("Failed to remove spill directory", "dir", i.runDir, "error", rerr)
		}
	}()

	start := time.Now()
	i.logger.Info("Import started", "targets", i.targets.Names(), "workers", i.opts.Workers,
		"buffer_capacity", i.bufferCapacity, "append", i.opts.Append, "replace", i.opts.Replace)
	stopProgress := i.startProgress(start)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < i.opts.Workers; w++ {
		g.Go(func() error { return i.work(gctx, w) })
	}
	err = g.Wait()
	close(i.done)
	stopProgress()
	res.Entries = i.entries.Load()
	if i.opts.Metrics != nil {
		i.opts.Metrics.EntriesImported(int(res.Entries))
	}
	if err == nil && i.stopped.Load() {
		err = ErrStopped
	}
	if err != nil {
		i.logger.Warn("Import aborted before merging", "entries", res.Entries, "error", err)
		return res, err
	}

	i.logger.Info("Buffering phase finished", "entries", res.Entries, "elapsed", time.Since(start))
	i.mergeAll(ctx, &res)
	if len(res.Failed) > 0 {
		err = joinFailed(res.Failed)
	}
	i.logger.Info("Import finished", "entries", res.Entries, "failed", len(res.Failed), "elapsed", time.Since(start))
	return res, err
}

func joinFailed(failed map[string]error) error {
	names := make([]string, 0, len(failed))
	for n := range failed {
		names = append(names, n)
	}
	slices.Sort(names)
	errs := make([]error, 0, len(names))
	for _, n := range names {
		errs = append(errs, fmt.Errorf("index %s: %w", n, failed[n]))
	}
	return errors.Join(errs...)
}

// mergeAll merges each target's spill files. A failed merge does not stop
// the others.
func (i *Importer) mergeAll(ctx context.Context, res *Result) {
	res.Indexes = make(map[string]MergeStats, len(i.targets.Indexes))
	res.VLV = make(map[string]vlv.BulkStats, len(i.targets.VLV))
	res.Failed = make(map[string]error)
	var mu sync.Mutex
	fail := func(name string, err error) {
		i.logger.Error("Index merge failed", "index", name, "error", err)
		mu.Lock()
		res.Failed[name] = err
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(i.opts.MergeParallelism)
	for ti, t := range i.targets.Indexes {
		files := i.indexFiles[ti]
		g.Go(func() error {
			merger := NewBulkIndexMerger(t.Index, files, MergeOptions{
				Append:  i.opts.Append,
				Replace: i.opts.Replace,
				Logger:  i.opts.Logger,
				Tracer:  i.tracer,
				Metrics: i.opts.Metrics,
			})
			stats, err := merger.Merge(ctx)
			if err != nil {
				fail(t.Name, err)
				return nil
			}
			if !i.opts.Append && i.targets.States != nil {
				if err := i.targets.States.SetTrusted(t.Name, true); err != nil {
					fail(t.Name, err)
					return nil
				}
			}
			mu.Lock()
			res.Indexes[t.Name] = stats
			mu.Unlock()
			return nil
		})
	}
	for vi, x := range i.targets.VLV {
		adds, dels := i.vlvAdds[vi], i.vlvDels[vi]
		g.Go(func() error {
			stats, err := mergeVLV(ctx, x, adds, dels, i.opts.Append, i.logger)
			if err != nil {
				fail(x.Name(), err)
				return nil
			}
			mu.Lock()
			res.VLV[x.Name()] = stats
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// mergeVLV feeds the sorted key runs of one VLV index into its page merge
// and removes the runs afterwards.
func mergeVLV(ctx context.Context, x *vlv.SortedPagedIndex, addFiles, delFiles []string, appendMode bool, logger *slog.Logger) (vlv.BulkStats, error) {
	defer removeFiles(logger, addFiles)
	defer removeFiles(logger, delFiles)

	adds, err := openKeyReaders(addFiles)
	if err != nil {
		return vlv.BulkStats{}, err
	}
	dels, err := openKeyReaders(delFiles)
	if err != nil {
		for _, r := range adds {
			r.Close()
		}
		return vlv.BulkStats{}, err
	}
	return vlv.BulkMerge(ctx, x, adds, dels, vlv.BulkOptions{Append: appendMode})
}

func openKeyReaders(files []string) ([]vlv.KeyIterator, error) {
	readers, err := openReaders(files)
	if err != nil {
		return nil, err
	}
	out := make([]vlv.KeyIterator, len(readers))
	for n, r := range readers {
		out[n] = keyReader{r.(*SpillReader)}
	}
	return out, nil
}

// spillName builds a file name that is unique within the run directory.
func spillName(worker int, target, kind string, seq int) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '_'
	}, target)
	return fmt.Sprintf("w%03d-%s-%s-%06d.spill", worker, safe, kind, seq)
}

// ImportFrom submits every item of src and runs the import. It closes the
// input when src is exhausted and stops the import if src fails.
func (i *Importer) ImportFrom(ctx context.Context, src Source) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	var res Result
	g.Go(func() error {
		defer i.Close()
		err := src.Each(gctx, func(item Item) error {
			return i.Submit(gctx, item)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrStopped) || gctx.Err() != nil:
			// Run reports why the import ended.
			return nil
		}
		i.Stop()
		return fmt.Errorf("read entries: %w", err)
	})
	g.Go(func() error {
		var err error
		res, err = i.Run(gctx)
		return err
	})
	err := g.Wait()
	return res, err
}
