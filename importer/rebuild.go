package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/dirindex/index"
	"github.com/INLOpen/dirindex/indexer"
	"github.com/INLOpen/dirindex/vlv"
)

var ErrRebuildConflict = errors.New("importer: a rebuild of an overlapping index set is already running")

// RebuildRequest names the indexes to rebuild under one base. No indexes
// means every enabled index.
type RebuildRequest struct {
	Base    string
	Indexes []string
}

// Rebuilder rebuilds indexes from scratch with the bulk import path. It
// refuses to start a rebuild that overlaps one already running on the same
// base.
type Rebuilder struct {
	set    *indexer.Set
	vlvs   []*vlv.SortedPagedIndex
	states *index.States
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]map[string]struct{} // base -> index names
}

func NewRebuilder(set *indexer.Set, vlvs []*vlv.SortedPagedIndex, states *index.States, opts Options) *Rebuilder {
	opts = opts.withDefaults()
	return &Rebuilder{
		set:     set,
		vlvs:    vlvs,
		states:  states,
		opts:    opts,
		logger:  opts.Logger.With("component", "Rebuilder"),
		running: make(map[string]map[string]struct{}),
	}
}

// acquire registers names under base, or fails if any is already being
// rebuilt there.
func (r *Rebuilder) acquire(base string, names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	busy := r.running[base]
	for _, n := range names {
		if _, ok := busy[n]; ok {
			return fmt.Errorf("%w: %s on %q", ErrRebuildConflict, n, base)
		}
	}
	if busy == nil {
		busy = make(map[string]struct{}, len(names))
		r.running[base] = busy
	}
	for _, n := range names {
		busy[n] = struct{}{}
	}
	return nil
}

func (r *Rebuilder) release(base string, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	busy := r.running[base]
	for _, n := range names {
		delete(busy, n)
	}
	if len(busy) == 0 {
		delete(r.running, base)
	}
}

// Rebuild marks the requested indexes untrusted, empties them and imports
// every item of src into them. Indexes whose merge succeeded are trusted
// again; failed ones stay untrusted.
func (r *Rebuilder) Rebuild(ctx context.Context, req RebuildRequest, src Source) (Result, error) {
	targets, err := NewTargets(r.set, r.vlvs, r.states, req.Indexes...)
	if err != nil {
		return Result{}, err
	}
	names := targets.Names()
	if len(names) == 0 {
		return Result{}, nil
	}
	if err := r.acquire(req.Base, names); err != nil {
		return Result{}, err
	}
	defer r.release(req.Base, names)

	r.logger.Info("Rebuild started", "base", req.Base, "indexes", names)
	opts := r.opts
	opts.Append = false
	opts.Replace = false
	res, err := New(targets, opts).ImportFrom(ctx, src)
	if err != nil {
		r.logger.Error("Rebuild finished with errors", "base", req.Base, "error", err)
		return res, err
	}
	r.logger.Info("Rebuild finished", "base", req.Base, "entries", res.Entries)
	return res, nil
}
