package engine

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of one engine. It implements the
// observer interfaces of the index, query and importer packages.
type Metrics struct {
	LimitExceeded    *prometheus.CounterVec
	KeysWritten      *prometheus.CounterVec
	KeysUnbounded    *prometheus.CounterVec
	QueryEvaluations *prometheus.CounterVec
	ImportEntries    prometheus.Counter

	registered []prometheus.Collector
	reg        prometheus.Registerer
}

func NewMetrics() *Metrics {
	return &Metrics{
		LimitExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dirindex",
			Subsystem: "index",
			Name:      "entry_limit_exceeded_total",
			Help:      "Keys that crossed the entry limit and became Unbounded",
		}, []string{"index"}),
		KeysWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dirindex",
			Subsystem: "merge",
			Name:      "keys_written_total",
			Help:      "Keys written by bulk index merges",
		}, []string{"index"}),
		KeysUnbounded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dirindex",
			Subsystem: "merge",
			Name:      "keys_unbounded_total",
			Help:      "Keys written Unbounded by bulk index merges",
		}, []string{"index"}),
		QueryEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dirindex",
			Subsystem: "query",
			Name:      "evaluations_total",
			Help:      "Filter evaluations by result kind",
		}, []string{"result"}),
		ImportEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dirindex",
			Subsystem: "import",
			Name:      "entries_total",
			Help:      "Entries processed by bulk imports",
		}),
	}
}

func (m *Metrics) EntryLimitExceeded(index string) {
	m.LimitExceeded.WithLabelValues(index).Inc()
}

func (m *Metrics) KeysMerged(index string, written, unbounded int) {
	m.KeysWritten.WithLabelValues(index).Add(float64(written))
	m.KeysUnbounded.WithLabelValues(index).Add(float64(unbounded))
}

func (m *Metrics) QueryEvaluated(result string) {
	m.QueryEvaluations.WithLabelValues(result).Inc()
}

func (m *Metrics) EntriesImported(n int) {
	m.ImportEntries.Add(float64(n))
}

// register adds the collectors, plus any extra ones, to reg. On failure the
// ones already added are removed again.
func (m *Metrics) register(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	if reg == nil {
		return nil
	}
	m.reg = reg
	cs := append([]prometheus.Collector{m.LimitExceeded, m.KeysWritten, m.KeysUnbounded, m.QueryEvaluations, m.ImportEntries}, extra...)
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			m.unregister()
			return fmt.Errorf("register metrics: %w", err)
		}
		m.registered = append(m.registered, c)
	}
	return nil
}

func (m *Metrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.registered {
		m.reg.Unregister(c)
	}
	m.registered = nil
}

// PebbleCollector exports pebble's own counters.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	compactionInProgress    *prometheus.Desc
	memtableSize            *prometheus.Desc
	memtableCount           *prometheus.Desc
	walSize                 *prometheus.Desc
	walBytesWritten         *prometheus.Desc
	blockCacheHits          *prometheus.Desc
	blockCacheMisses        *prometheus.Desc
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,
		compactionCount: prometheus.NewDesc(
			"dirindex_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"dirindex_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		compactionInProgress: prometheus.NewDesc(
			"dirindex_pebble_compaction_in_progress_bytes",
			"Number of bytes being compacted currently",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"dirindex_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"dirindex_pebble_memtable_count",
			"Current count of memtables",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"dirindex_pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"dirindex_pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
		blockCacheHits: prometheus.NewDesc(
			"dirindex_pebble_block_cache_hits_total",
			"Block cache hits",
			nil, nil,
		),
		blockCacheMisses: prometheus.NewDesc(
			"dirindex_pebble_block_cache_misses_total",
			"Block cache misses",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.compactionInProgress
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walSize
	ch <- pc.walBytesWritten
	ch <- pc.blockCacheHits
	ch <- pc.blockCacheMisses
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue, float64(metrics.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.compactionEstimatedDebt, prometheus.GaugeValue, float64(metrics.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(pc.compactionInProgress, prometheus.GaugeValue, float64(metrics.Compact.InProgressBytes))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(metrics.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.memtableCount, prometheus.GaugeValue, float64(metrics.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(metrics.WAL.Size))
	ch <- prometheus.MustNewConstMetric(pc.walBytesWritten, prometheus.CounterValue, float64(metrics.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(pc.blockCacheHits, prometheus.CounterValue, float64(metrics.BlockCache.Hits))
	ch <- prometheus.MustNewConstMetric(pc.blockCacheMisses, prometheus.CounterValue, float64(metrics.BlockCache.Misses))
}
