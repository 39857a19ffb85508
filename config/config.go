package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the store and index-wide settings.
type EngineConfig struct {
	DataDir  string `yaml:"data_dir"`
	InMemory bool   `yaml:"in_memory"`
	// CacheSizeBytes is the pebble block cache size.
	CacheSizeBytes int64 `yaml:"cache_size_bytes"`
	// SyncWrites fsyncs every store write.
	SyncWrites bool `yaml:"sync_writes"`
	// EntryLimit is the default per-key entry limit; 0 disables it.
	EntryLimit int `yaml:"entry_limit"`
	// RangeLimit caps how many keys a range lookup may visit before the
	// result is treated as Unbounded; 0 disables it.
	RangeLimit      int `yaml:"range_limit"`
	SubstringLength int `yaml:"substring_length"`
	// CandidateThreshold is the AND early-exit threshold of the planner.
	CandidateThreshold int `yaml:"candidate_threshold"`
}

// IndexConfig configures the indexes of one attribute.
type IndexConfig struct {
	Attribute string   `yaml:"attribute"`
	Kinds     []string `yaml:"kinds"`
	Encoder   string   `yaml:"encoder"`
	// EntryLimit overrides Engine.EntryLimit when non-zero; -1 means no limit.
	EntryLimit      int   `yaml:"entry_limit"`
	SubstringLength int   `yaml:"substring_length"`
	Enabled         *bool `yaml:"enabled"`
}

// IsEnabled reports whether the index is enabled. Indexes are enabled unless
// explicitly turned off.
func (c IndexConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// VLVConfig configures one sorted paged index.
type VLVConfig struct {
	Name string `yaml:"name"`
	// Sort is a sort order such as "sn -cn age:integer".
	Sort string `yaml:"sort"`
	// Filter selects the entries the index holds; empty selects all.
	Filter       string `yaml:"filter"`
	PageCapacity int    `yaml:"page_capacity"`
}

// ImportConfig holds the bulk import defaults.
type ImportConfig struct {
	Workers          int    `yaml:"workers"`
	QueueSize        int    `yaml:"queue_size"`
	PollInterval     string `yaml:"poll_interval"`
	BufferCapacity   int    `yaml:"buffer_capacity"`
	TempDir          string `yaml:"temp_dir"`
	Compression      string `yaml:"compression"`
	MergeParallelism int    `yaml:"merge_parallelism"`
	ProgressInterval string `yaml:"progress_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"` // "stdout", "file", or "none"
	File   string `yaml:"file"`
}

// DebugConfig holds configuration for the debug HTTP server.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
	// SystemInterval is how often the system collector samples the host.
	SystemInterval string `yaml:"system_interval"`
}

// TracingConfig holds configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Indexes []IndexConfig `yaml:"indexes"`
	VLV     []VLVConfig   `yaml:"vlv"`
	Import  ImportConfig  `yaml:"import"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Debug   DebugConfig   `yaml:"debug"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir:            "./data",
			CacheSizeBytes:     64 * 1024 * 1024, // 64 MiB
			EntryLimit:         4000,
			SubstringLength:    6,
			CandidateThreshold: 10,
		},
		Import: ImportConfig{
			Workers:          0, // 0 means runtime.NumCPU()
			QueueSize:        1024,
			PollInterval:     "1s",
			BufferCapacity:   0, // 0 sizes buffers from available memory
			TempDir:          "",
			Compression:      "snappy",
			MergeParallelism: 0,
			ProgressInterval: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "dirindex.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
			SystemInterval:   "15s",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks the parts of the configuration that are not checked when
// the engine builds its indexes: names must be present and unique.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, ic := range c.Indexes {
		name := strings.ToLower(strings.TrimSpace(ic.Attribute))
		if name == "" {
			return fmt.Errorf("indexes[%d]: attribute is required", i)
		}
		if seen[name] {
			return fmt.Errorf("indexes[%d]: attribute %q configured twice", i, ic.Attribute)
		}
		seen[name] = true
	}
	vlvs := make(map[string]bool)
	for i, vc := range c.VLV {
		if vc.Name == "" {
			return fmt.Errorf("vlv[%d]: name is required", i)
		}
		if vc.Sort == "" {
			return fmt.Errorf("vlv[%d] %s: sort is required", i, vc.Name)
		}
		if vlvs[vc.Name] {
			return fmt.Errorf("vlv[%d]: name %q configured twice", i, vc.Name)
		}
		vlvs[vc.Name] = true
	}
	return nil
}
