package importer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/INLOpen/dirindex/indexer"
	"github.com/INLOpen/dirindex/sys"
)

// worker owns private buffers and spill files; nothing it touches is shared
// with other workers until it hands its file lists back.
type worker struct {
	id     int
	imp    *Importer
	logger *slog.Logger
	seq    int

	buffers    []*WorkerBuffer
	files      [][]string
	vlvAdd     []*KeyBuffer
	vlvDel     []*KeyBuffer
	vlvAddRuns [][]string
	vlvDelRuns [][]string
}

func (i *Importer) newWorker(id int) *worker {
	w := &worker{
		id:         id,
		imp:        i,
		logger:     i.logger.With("worker", id),
		buffers:    make([]*WorkerBuffer, len(i.targets.Indexes)),
		files:      make([][]string, len(i.targets.Indexes)),
		vlvAdd:     make([]*KeyBuffer, len(i.targets.VLV)),
		vlvDel:     make([]*KeyBuffer, len(i.targets.VLV)),
		vlvAddRuns: make([][]string, len(i.targets.VLV)),
		vlvDelRuns: make([][]string, len(i.targets.VLV)),
	}
	for n, t := range i.targets.Indexes {
		w.buffers[n] = NewWorkerBuffer(i.bufferCapacity, t.Index.Comparator())
	}
	for n := range i.targets.VLV {
		w.vlvAdd[n] = NewKeyBuffer(i.bufferCapacity)
		w.vlvDel[n] = NewKeyBuffer(i.bufferCapacity)
	}
	return w
}

// work consumes the queue until the input is closed and drained, the
// import is stopped, or ctx ends.
func (i *Importer) work(ctx context.Context, id int) error {
	w := i.newWorker(id)
	ticker := time.NewTicker(i.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case item := <-i.queue:
			if err := w.process(item); err != nil {
				return err
			}
		case <-i.closed:
			if err := w.drain(ctx); err != nil {
				return err
			}
			return w.finish()
		case <-ticker.C:
			if i.stopped.Load() {
				return ErrStopped
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain processes whatever is still queued after Close.
func (w *worker) drain(ctx context.Context) error {
	for {
		if w.imp.stopped.Load() {
			return ErrStopped
		}
		select {
		case item := <-w.imp.queue:
			if err := w.process(item); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
}

func (w *worker) process(item Item) error {
	i := w.imp
	e, old := item.Entry, item.Old
	if !i.opts.Replace {
		old = nil
	}

	for n, t := range i.targets.Indexes {
		next, err := t.Attribute.Keys(t.Kind, e)
		if err != nil {
			w.logger.Warn("Skipping unindexable value", "index", t.Name, "error", err)
			next = nil
		}
		adds, dels := next, [][]byte(nil)
		if old != nil {
			prev, err := t.Attribute.Keys(t.Kind, old)
			if err != nil {
				w.logger.Warn("Skipping unindexable old value", "index", t.Name, "error", err)
				prev = nil
			}
			if old.ID == e.ID {
				adds, dels = indexer.DiffKeys(prev, next)
			} else {
				dels = prev
			}
		}
		buf := w.buffers[n]
		for _, k := range adds {
			buf.Add(k, e.ID)
		}
		for _, k := range dels {
			buf.Delete(k, old.ID)
		}
		if buf.Full() {
			if err := w.flushIndex(n); err != nil {
				return err
			}
		}
	}

	for n, x := range i.targets.VLV {
		var addKey, delKey []byte
		var err error
		if x.Matches(e) {
			if addKey, err = x.Order().EntryKey(e); err != nil {
				w.logger.Warn("Skipping unsortable entry", "vlv", x.Name(), "id", e.ID, "error", err)
				addKey = nil
			}
		}
		if old != nil && x.Matches(old) {
			if delKey, err = x.Order().EntryKey(old); err != nil {
				w.logger.Warn("Skipping unsortable old entry", "vlv", x.Name(), "id", old.ID, "error", err)
				delKey = nil
			}
		}
		if addKey != nil && delKey != nil && bytes.Equal(addKey, delKey) {
			continue
		}
		if addKey != nil {
			w.vlvAdd[n].Add(addKey)
		}
		if delKey != nil {
			w.vlvDel[n].Add(delKey)
		}
		if w.vlvAdd[n].Full() || w.vlvDel[n].Full() {
			if err := w.flushVLV(n); err != nil {
				return err
			}
		}
	}

	i.entries.Add(1)
	return nil
}

func (w *worker) spillPath(target, kind string) string {
	w.seq++
	return filepath.Join(w.imp.runDir, spillName(w.id, target, kind, w.seq))
}

type flusher interface {
	Flush(*SpillWriter) error
}

// spill writes buf to a new run file and returns its path.
func (w *worker) spill(buf flusher, pairs int, target, kind string) (string, error) {
	path := w.spillPath(target, kind)
	sw, err := NewSpillWriter(path, w.imp.opts.Compression, int64(pairs)*8)
	if err != nil {
		return "", err
	}
	if err := buf.Flush(sw); err != nil {
		sw.Abort()
		return "", fmt.Errorf("spill %s: %w", target, err)
	}
	if err := sw.Close(); err != nil {
		sys.Remove(path)
		return "", fmt.Errorf("spill %s: %w", target, err)
	}
	return path, nil
}

func (w *worker) flushIndex(n int) error {
	buf := w.buffers[n]
	if buf.Len() == 0 {
		return nil
	}
	name := w.imp.targets.Indexes[n].Name
	path, err := w.spill(buf, buf.Len(), name, "idx")
	if err != nil {
		return err
	}
	w.files[n] = append(w.files[n], path)
	return nil
}

func (w *worker) flushVLV(n int) error {
	name := w.imp.targets.VLV[n].Name()
	if b := w.vlvAdd[n]; b.Len() > 0 {
		path, err := w.spill(b, b.Len(), name, "add")
		if err != nil {
			return err
		}
		w.vlvAddRuns[n] = append(w.vlvAddRuns[n], path)
	}
	if b := w.vlvDel[n]; b.Len() > 0 {
		path, err := w.spill(b, b.Len(), name, "del")
		if err != nil {
			return err
		}
		w.vlvDelRuns[n] = append(w.vlvDelRuns[n], path)
	}
	return nil
}

// finish spills every non-empty buffer and hands the run files to the
// importer.
func (w *worker) finish() error {
	for n := range w.buffers {
		if err := w.flushIndex(n); err != nil {
			return err
		}
	}
	for n := range w.vlvAdd {
		if err := w.flushVLV(n); err != nil {
			return err
		}
	}
	i := w.imp
	i.mu.Lock()
	defer i.mu.Unlock()
	for n, files := range w.files {
		i.indexFiles[n] = append(i.indexFiles[n], files...)
	}
	for n := range w.vlvAddRuns {
		i.vlvAdds[n] = append(i.vlvAdds[n], w.vlvAddRuns[n]...)
		i.vlvDels[n] = append(i.vlvDels[n], w.vlvDelRuns[n]...)
	}
	w.logger.Debug("Worker finished", "runs", w.seq)
	return nil
}
