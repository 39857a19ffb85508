package importer

import (
	"sync"
	"time"
)

// startProgress logs the number of processed entries and the rate since the
// previous line every ProgressInterval. The returned func stops it.
func (i *Importer) startProgress(start time.Time) func() {
	if i.opts.ProgressInterval < 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(i.opts.ProgressInterval)
		defer ticker.Stop()
		last, lastAt := int64(0), start
		for {
			select {
			case now := <-ticker.C:
				n := i.entries.Load()
				rate := float64(n-last) / now.Sub(lastAt).Seconds()
				i.logger.Info("Import progress",
					"entries", n,
					"rate_per_sec", rate,
					"queued", len(i.queue),
					"elapsed", now.Sub(start).Round(time.Second))
				last, lastAt = n, now
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}
