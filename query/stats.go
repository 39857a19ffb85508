package query

import (
	"fmt"
	"sync"

	"github.com/INLOpen/dirindex/entryid"
	"github.com/caio/go-tdigest/v4"
)

// Stats tracks the distribution of Defined candidate-set sizes produced by
// the planner, plus how often the answer was Unbounded.
type Stats struct {
	mu          sync.Mutex
	td          *tdigest.TDigest
	evaluations uint64
	unbounded   uint64
	notIndexed  uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Evaluations uint64
	Unbounded   uint64
	NotIndexed  uint64
	P50         float64
	P90         float64
	P99         float64
}

func NewStats() (*Stats, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &Stats{td: td}, nil
}

// Record adds the outcome of one evaluation.
func (s *Stats) Record(set entryid.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluations++
	n, ok := set.Size()
	if !ok {
		s.unbounded++
		return
	}
	_ = s.td.AddWeighted(float64(n), 1)
}

func (s *Stats) recordNotIndexed() {
	s.mu.Lock()
	s.notIndexed++
	s.mu.Unlock()
}

// Quantile returns the q-quantile of Defined result sizes, or 0 if none were recorded.
func (s *Stats) Quantile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.td.Count() == 0 {
		return 0
	}
	return s.td.Quantile(q)
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Evaluations: s.evaluations,
		Unbounded:   s.unbounded,
		NotIndexed:  s.notIndexed,
	}
	if s.td.Count() > 0 {
		snap.P50 = s.td.Quantile(0.5)
		snap.P90 = s.td.Quantile(0.9)
		snap.P99 = s.td.Quantile(0.99)
	}
	return snap
}
