package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSample is one reading of host resource usage.
type SystemSample struct {
	CPUPercent      float64   `json:"cpu_percent"`
	MemUsedPercent  float64   `json:"mem_used_percent"`
	MemAvailable    uint64    `json:"mem_available_bytes"`
	DiskUsedPercent float64   `json:"disk_used_percent"`
	DiskFree        uint64    `json:"disk_free_bytes"`
	Time            time.Time `json:"time"`
}

// SystemCollector periodically samples CPU, memory and disk usage of the
// host. The latest sample is served through expvar (Var) and prometheus
// (the collector interface).
type SystemCollector struct {
	diskPath string
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu   sync.RWMutex
	last SystemSample

	cpuDesc      *prometheus.Desc
	memDesc      *prometheus.Desc
	memAvailDesc *prometheus.Desc
	diskDesc     *prometheus.Desc
	diskFreeDesc *prometheus.Desc
}

// NewSystemCollector creates a new collector.
// diskPath should be the path of the disk to monitor (e.g., the spill directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{
		diskPath: diskPath,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
		cpuDesc:  prometheus.NewDesc("dirindex_system_cpu_usage_percent", "Host CPU usage", nil, nil),
		memDesc:  prometheus.NewDesc("dirindex_system_mem_usage_percent", "Host memory usage", nil, nil),
		memAvailDesc: prometheus.NewDesc("dirindex_system_mem_available_bytes",
			"Host memory available; bulk import buffers are sized from it", nil, nil),
		diskDesc:     prometheus.NewDesc("dirindex_system_disk_usage_percent", "Usage of the monitored disk", []string{"path"}, nil),
		diskFreeDesc: prometheus.NewDesc("dirindex_system_disk_free_bytes", "Free space on the monitored disk", []string{"path"}, nil),
	}
}

// Sample takes a reading now, stores it as the latest and returns it.
// Metrics that cannot be read are left zero.
func (sc *SystemCollector) Sample() SystemSample {
	s := SystemSample{Time: time.Now()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemUsedPercent = vm.UsedPercent
		s.MemAvailable = vm.Available
	}
	if sc.diskPath != "" {
		if du, err := disk.Usage(sc.diskPath); err == nil {
			s.DiskUsedPercent = du.UsedPercent
			s.DiskFree = du.Free
		} else {
			sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
		}
	}
	sc.mu.Lock()
	sc.last = s
	sc.mu.Unlock()
	return s
}

func (sc *SystemCollector) Last() SystemSample {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.last
}

// Var exposes the latest sample for expvar.Publish.
func (sc *SystemCollector) Var() expvar.Var {
	return expvar.Func(func() any { return sc.Last() })
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.Sample()
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.Sample()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.cpuDesc
	ch <- sc.memDesc
	ch <- sc.memAvailDesc
	ch <- sc.diskDesc
	ch <- sc.diskFreeDesc
}

func (sc *SystemCollector) Collect(ch chan<- prometheus.Metric) {
	s := sc.Last()
	ch <- prometheus.MustNewConstMetric(sc.cpuDesc, prometheus.GaugeValue, s.CPUPercent)
	ch <- prometheus.MustNewConstMetric(sc.memDesc, prometheus.GaugeValue, s.MemUsedPercent)
	ch <- prometheus.MustNewConstMetric(sc.memAvailDesc, prometheus.GaugeValue, float64(s.MemAvailable))
	ch <- prometheus.MustNewConstMetric(sc.diskDesc, prometheus.GaugeValue, s.DiskUsedPercent, sc.diskPath)
	ch <- prometheus.MustNewConstMetric(sc.diskFreeDesc, prometheus.GaugeValue, float64(s.DiskFree), sc.diskPath)
}
