// Package engine is the composition root of dirindex: it opens the store,
// builds the attribute and VLV indexes named by the configuration, and
// exposes search, live updates, bulk import, rebuild and verification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/INLOpen/dirindex/attr"
	"github.com/INLOpen/dirindex/config"
	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/filter"
	"github.com/INLOpen/dirindex/importer"
	"github.com/INLOpen/dirindex/index"
	"github.com/INLOpen/dirindex/indexer"
	"github.com/INLOpen/dirindex/query"
	"github.com/INLOpen/dirindex/store"
	"github.com/INLOpen/dirindex/vlv"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrClosed     = errors.New("engine: closed")
	ErrUnknownVLV = errors.New("engine: unknown vlv index")
)

const tracerName = "github.com/INLOpen/dirindex"

// Options carries the ambient dependencies of an Engine. Every field is
// optional.
type Options struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	// Registerer receives the engine metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	// FS overrides the filesystem pebble uses, mainly for tests.
	FS vfs.FS
}

// ImportOptions selects what an Import builds and how.
type ImportOptions struct {
	// Indexes names the indexes to build; empty means all.
	Indexes []string
	Append  bool
	Replace bool
}

type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	store   *store.Store
	states  *index.States
	set     *indexer.Set
	vlvs    []*vlv.SortedPagedIndex
	byName  map[string]*vlv.SortedPagedIndex
	planner *query.Planner
	stats   *query.Stats
	metrics *Metrics

	importOpts importer.Options
	rebuilder  *importer.Rebuilder
	closed     atomic.Bool
}

// Open opens the store at cfg.Engine.DataDir and builds every configured
// index on it.
func Open(cfg config.Config, opts Options) (_ *Engine, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "Engine"),
		tracer:  tp.Tracer(tracerName),
		byName:  make(map[string]*vlv.SortedPagedIndex),
		metrics: NewMetrics(),
	}

	e.store, err = store.Open(store.Options{
		Dir:       cfg.Engine.DataDir,
		InMemory:  cfg.Engine.InMemory,
		FS:        opts.FS,
		CacheSize: cfg.Engine.CacheSizeBytes,
		Sync:      cfg.Engine.SyncWrites,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			e.store.Close()
		}
	}()

	stateTbl, err := e.store.Table(index.StateTable)
	if err != nil {
		return nil, err
	}
	if e.states, err = index.LoadStates(stateTbl); err != nil {
		return nil, err
	}
	e.set = indexer.NewSet(e.states, logger)
	for _, ic := range cfg.Indexes {
		if err := e.addAttribute(ic); err != nil {
			return nil, err
		}
	}
	for _, vc := range cfg.VLV {
		if err := e.addVLV(vc); err != nil {
			return nil, err
		}
	}

	if e.stats, err = query.NewStats(); err != nil {
		return nil, err
	}
	e.planner = query.NewPlanner(e.set, query.PlannerOptions{
		CandidateThreshold: cfg.Engine.CandidateThreshold,
		Logger:             logger,
		Tracer:             e.tracer,
		Stats:              e.stats,
		Metrics:            e.metrics,
	})

	if e.importOpts, err = importOptions(cfg.Import, logger); err != nil {
		return nil, err
	}
	e.importOpts.Tracer = e.tracer
	e.importOpts.Metrics = e.metrics
	e.rebuilder = importer.NewRebuilder(e.set, e.vlvs, e.states, e.importOpts)

	if err := e.metrics.register(opts.Registerer, NewPebbleCollector(e.store.DB())); err != nil {
		return nil, err
	}
	if untrusted := e.states.Untrusted(); len(untrusted) > 0 {
		e.logger.Warn("Some indexes are untrusted and will not be used until rebuilt", "indexes", untrusted)
	}
	e.logger.Info("Engine opened", "indexes", e.set.Names(), "vlv", len(e.vlvs))
	return e, nil
}

func (e *Engine) addAttribute(ic config.IndexConfig) error {
	name := strings.ToLower(strings.TrimSpace(ic.Attribute))
	enc, err := attr.ByName(ic.Encoder)
	if err != nil {
		return fmt.Errorf("index %s: %w", name, err)
	}
	limit := e.cfg.Engine.EntryLimit
	switch {
	case ic.EntryLimit < 0:
		limit = 0
	case ic.EntryLimit > 0:
		limit = ic.EntryLimit
	}
	subLen := ic.SubstringLength
	if subLen <= 0 {
		subLen = e.cfg.Engine.SubstringLength
	}

	a := &indexer.AttributeIndexer{
		Attribute:       name,
		Encoder:         enc,
		Indexes:         make(map[index.Kind]index.Index, len(ic.Kinds)),
		SubstringLength: subLen,
	}
	for _, kindName := range ic.Kinds {
		kind, ok := index.ParseKind(kindName)
		if !ok {
			return fmt.Errorf("index %s: %w", name, &core.UnsupportedTypeError{Kind: "index kind", Value: kindName})
		}
		idxName := indexer.IndexName(name, kind)
		tbl, err := e.store.Table(idxName)
		if err != nil {
			return err
		}
		idx, err := index.NewFor(tbl, index.Options{
			Name:       idxName,
			EntryLimit: limit,
			RangeLimit: e.cfg.Engine.RangeLimit,
			Logger:     e.logger,
			Tracer:     e.tracer,
			Metrics:    e.metrics,
		}, ic.IsEnabled())
		if err != nil {
			return err
		}
		a.Indexes[kind] = idx
	}
	return e.set.Add(a)
}

func (e *Engine) addVLV(vc config.VLVConfig) error {
	order, err := vlv.ParseSortOrder(vc.Sort)
	if err != nil {
		return fmt.Errorf("vlv %s: %w", vc.Name, err)
	}
	var match func(*core.Entry) bool
	if vc.Filter != "" {
		f, err := filter.Parse(vc.Filter)
		if err != nil {
			return fmt.Errorf("vlv %s: %w", vc.Name, err)
		}
		match = f.Matches
	}
	tbl, err := e.store.Table("vlv." + vc.Name)
	if err != nil {
		return err
	}
	x, err := vlv.New(tbl, vlv.Options{
		Name:         vc.Name,
		Order:        order,
		PageCapacity: vc.PageCapacity,
		Match:        match,
		States:       e.states,
		Logger:       e.logger,
		Tracer:       e.tracer,
	})
	if err != nil {
		return err
	}
	e.vlvs = append(e.vlvs, x)
	e.byName[vc.Name] = x
	return nil
}

func importOptions(ic config.ImportConfig, logger *slog.Logger) (importer.Options, error) {
	ct, err := core.ParseCompressionType(ic.Compression)
	if err != nil {
		return importer.Options{}, fmt.Errorf("import: %w", err)
	}
	return importer.Options{
		Workers:          ic.Workers,
		QueueSize:        ic.QueueSize,
		PollInterval:     config.ParseDuration(ic.PollInterval, importer.DefaultPollInterval, logger),
		BufferCapacity:   ic.BufferCapacity,
		TempDir:          ic.TempDir,
		Compression:      ct,
		MergeParallelism: ic.MergeParallelism,
		ProgressInterval: config.ParseDuration(ic.ProgressInterval, importer.DefaultProgressInterval, logger),
		Logger:           logger,
	}, nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Search evaluates an RFC 4515 filter string to a candidate set.
func (e *Engine) Search(ctx context.Context, filterString string) (entryid.Set, error) {
	f, err := filter.Parse(filterString)
	if err != nil {
		return entryid.Set{}, err
	}
	return e.SearchFilter(ctx, f)
}

func (e *Engine) SearchFilter(ctx context.Context, f *filter.Filter) (entryid.Set, error) {
	if err := e.checkOpen(); err != nil {
		return entryid.Set{}, err
	}
	return e.planner.Evaluate(ctx, f)
}

// Explain is Search plus a trace of every index lookup the planner made.
func (e *Engine) Explain(ctx context.Context, filterString string) (entryid.Set, string, error) {
	if err := e.checkOpen(); err != nil {
		return entryid.Set{}, "", err
	}
	f, err := filter.Parse(filterString)
	if err != nil {
		return entryid.Set{}, "", err
	}
	return e.planner.Explain(ctx, f)
}

// AddEntry indexes a new entry in every attribute and VLV index.
func (e *Engine) AddEntry(ctx context.Context, entry *core.Entry) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.set.AddEntry(ctx, entry); err != nil {
		return err
	}
	for _, x := range e.vlvs {
		if err := x.AddEntry(ctx, entry); err != nil {
			return fmt.Errorf("vlv %s: %w", x.Name(), err)
		}
	}
	return nil
}

func (e *Engine) DeleteEntry(ctx context.Context, entry *core.Entry) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.set.DeleteEntry(ctx, entry); err != nil {
		return err
	}
	for _, x := range e.vlvs {
		if err := x.DeleteEntry(ctx, entry); err != nil {
			return fmt.Errorf("vlv %s: %w", x.Name(), err)
		}
	}
	return nil
}

// ModifyEntry moves an entry from its old to its new attribute values.
func (e *Engine) ModifyEntry(ctx context.Context, old, updated *core.Entry) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.set.ModifyEntry(ctx, old, updated); err != nil {
		return err
	}
	for _, x := range e.vlvs {
		if err := x.ModifyEntry(ctx, old, updated); err != nil {
			return fmt.Errorf("vlv %s: %w", x.Name(), err)
		}
	}
	return nil
}

// Import bulk-loads src into the selected indexes. Without opts.Append the
// selected indexes are rebuilt from src alone; their previous contents are
// dropped.
func (e *Engine) Import(ctx context.Context, src importer.Source, opts ImportOptions) (importer.Result, error) {
	if err := e.checkOpen(); err != nil {
		return importer.Result{}, err
	}
	targets, err := importer.NewTargets(e.set, e.vlvs, e.states, opts.Indexes...)
	if err != nil {
		return importer.Result{}, err
	}
	iopts := e.importOpts
	iopts.Append = opts.Append
	iopts.Replace = opts.Replace
	return importer.New(targets, iopts).ImportFrom(ctx, src)
}

// Rebuild rebuilds the named indexes, or all of them, from src.
func (e *Engine) Rebuild(ctx context.Context, indexes []string, src importer.Source) (importer.Result, error) {
	if err := e.checkOpen(); err != nil {
		return importer.Result{}, err
	}
	return e.rebuilder.Rebuild(ctx, importer.RebuildRequest{Base: e.cfg.Engine.DataDir, Indexes: indexes}, src)
}

// VerifyReport collects the verification of every enabled index.
type VerifyReport struct {
	Indexes []index.VerifyReport
	VLV     []vlv.VerifyReport
}

func (r VerifyReport) OK() bool {
	for _, ir := range r.Indexes {
		if !ir.OK() {
			return false
		}
	}
	for _, vr := range r.VLV {
		if !vr.OK() {
			return false
		}
	}
	return true
}

// Verify checks every enabled index. Problems are reported, not returned as
// errors.
func (e *Engine) Verify(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport
	if err := e.checkOpen(); err != nil {
		return rep, err
	}
	for _, a := range e.set.Indexers() {
		for _, kind := range a.Kinds() {
			ki, ok := a.Indexes[kind].(*index.KeyIndex)
			if !ok {
				continue
			}
			r, err := index.Verify(ctx, ki)
			if err != nil {
				return rep, err
			}
			rep.Indexes = append(rep.Indexes, r)
		}
	}
	for _, x := range e.vlvs {
		r, err := x.Verify(ctx)
		if err != nil {
			return rep, err
		}
		rep.VLV = append(rep.VLV, r)
	}
	return rep, nil
}

// VLV returns the named sorted paged index.
func (e *Engine) VLV(name string) (*vlv.SortedPagedIndex, error) {
	x, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVLV, name)
	}
	return x, nil
}

// Indexes lists the attribute and VLV index names, for display.
func (e *Engine) Indexes() []string {
	names := e.set.Names()
	for _, x := range e.vlvs {
		names = append(names, x.Name())
	}
	return names
}

// Untrusted lists the indexes a rebuild left or found untrusted.
func (e *Engine) Untrusted() []string { return e.states.Untrusted() }

func (e *Engine) QueryStats() query.StatsSnapshot { return e.stats.Snapshot() }

func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.metrics.unregister()
	if err := e.store.Flush(); err != nil {
		e.logger.Warn("Flush before close failed", "error", err)
	}
	err := e.store.Close()
	e.logger.Info("Engine closed")
	return err
}
