package sys

import (
	"sync"
	"sync/atomic"
)

// preallocCache remembers per device id whether fallocate is usable so the
// filesystem probe runs once per device.
var preallocCache sync.Map

var (
	preallocCacheHits   atomic.Uint64
	preallocCacheMisses atomic.Uint64
	preallocSuccesses   atomic.Uint64
	preallocFailures    atomic.Uint64
	preallocUnsupported atomic.Uint64
)

func preallocCacheLoad(dev uint64) (allowed bool, found bool) {
	if v, ok := preallocCache.Load(dev); ok {
		if b, ok2 := v.(bool); ok2 {
			return b, true
		}
	}
	return false, false
}

func preallocCacheStore(dev uint64, allowed bool) {
	preallocCache.Store(dev, allowed)
}

func preallocSuccessInc()     { preallocSuccesses.Add(1) }
func preallocFailureInc()     { preallocFailures.Add(1) }
func preallocUnsupportedInc() { preallocUnsupported.Add(1) }

// PreallocStats is a snapshot of the preallocation counters.
type PreallocStats struct {
	CacheHits   uint64
	CacheMisses uint64
	Successes   uint64
	Failures    uint64
	Unsupported uint64
}

func ReadPreallocStats() PreallocStats {
	return PreallocStats{
		CacheHits:   preallocCacheHits.Load(),
		CacheMisses: preallocCacheMisses.Load(),
		Successes:   preallocSuccesses.Load(),
		Failures:    preallocFailures.Load(),
		Unsupported: preallocUnsupported.Load(),
	}
}
