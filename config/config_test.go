package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
engine:
  data_dir: "/tmp/test_data"
  entry_limit: 50
indexes:
  - attribute: cn
    kinds: [equality, substring]
  - attribute: age
    kinds: [ordering]
    encoder: integer
    entry_limit: -1
  - attribute: description
    kinds: [equality]
    enabled: false
vlv:
  - name: bysn
    sort: "sn -cn"
    filter: "(objectclass=person)"
    page_capacity: 100
import:
  workers: 8
  compression: zstd
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "/tmp/test_data", cfg.Engine.DataDir)
	assert.Equal(t, 50, cfg.Engine.EntryLimit)
	require.Len(t, cfg.Indexes, 3)
	assert.Equal(t, []string{"equality", "substring"}, cfg.Indexes[0].Kinds)
	assert.True(t, cfg.Indexes[0].IsEnabled())
	assert.Equal(t, "integer", cfg.Indexes[1].Encoder)
	assert.Equal(t, -1, cfg.Indexes[1].EntryLimit)
	assert.False(t, cfg.Indexes[2].IsEnabled())
	require.Len(t, cfg.VLV, 1)
	assert.Equal(t, VLVConfig{Name: "bysn", Sort: "sn -cn", Filter: "(objectclass=person)", PageCapacity: 100}, cfg.VLV[0])
	assert.Equal(t, 8, cfg.Import.Workers)
	assert.Equal(t, "zstd", cfg.Import.Compression)

	// Check a default value that was not overridden
	assert.Equal(t, 6, cfg.Engine.SubstringLength)
	assert.Equal(t, "10s", cfg.Import.ProgressInterval)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
import:
  queue_size: 16
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 16, cfg.Import.QueueSize)
	assert.Equal(t, "snappy", cfg.Import.Compression)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
	assert.Equal(t, int64(64*1024*1024), cfg.Engine.CacheSizeBytes)
	assert.Empty(t, cfg.Indexes)
}

func TestLoad_EmptyReader(t *testing.T) {
	// Test with nil reader
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 4000, cfg.Engine.EntryLimit) // Check a default value

	// Test with empty string reader
	reader := strings.NewReader("")
	cfg, err = Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 4000, cfg.Engine.EntryLimit)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
engine:
  data_dir: "/tmp/test_data"
  this: is: invalid: yaml
`
	reader := strings.NewReader(yamlContent)
	_, err := Load(reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_Validation(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		want string
	}{
		{"MissingAttribute", "indexes:\n  - kinds: [equality]\n", "attribute is required"},
		{"DuplicateAttribute", "indexes:\n  - attribute: cn\n  - attribute: CN\n", "configured twice"},
		{"MissingVLVName", "vlv:\n  - sort: sn\n", "name is required"},
		{"MissingVLVSort", "vlv:\n  - name: x\n", "sort is required"},
		{"DuplicateVLV", "vlv:\n  - {name: x, sort: sn}\n  - {name: x, sort: cn}\n", "configured twice"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

// TestLoadConfig_FileIntegration is a small integration test to ensure
// LoadConfig works correctly with the filesystem.
func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
debug:
  enabled: true
  listen_address: ":7070"
`
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "config.yaml")
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.True(t, cfg.Debug.Enabled)
		assert.Equal(t, ":7070", cfg.Debug.ListenAddress)
		assert.True(t, cfg.Debug.PProfEnabled)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "non_existent_config.yaml")

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		// Should return default value
		assert.Equal(t, "127.0.0.1:6060", cfg.Debug.ListenAddress)
	})
}

func TestParseDuration(t *testing.T) {
	// Use a logger that discards output for this test
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}
