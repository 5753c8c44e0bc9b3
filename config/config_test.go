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
node:
  id: "node-a"
  data_dir: "/tmp/auditmesh-test"
sync:
  batch_size: 250
  enable_compression: true
  compression: "zstd"
server:
  listen_address: ":9420"
  peers:
    - id: "node-b"
      address: "10.0.0.2:7420"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, "/tmp/auditmesh-test", cfg.Node.DataDir)
	assert.Equal(t, 250, cfg.Sync.BatchSize)
	assert.True(t, cfg.Sync.EnableCompression)
	assert.Equal(t, "zstd", cfg.Sync.Compression)
	require.Len(t, cfg.Server.Peers, 1)
	assert.Equal(t, "node-b", cfg.Server.Peers[0].ID)

	// Check a default value that was not overridden
	assert.Equal(t, "hybrid", cfg.Sync.Strategy)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
sync:
  max_retries: 5
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	// Defaults are still in place.
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, "60s", cfg.Sync.SyncInterval)
	assert.Equal(t, ":7420", cfg.Server.ListenAddress)
}

func TestLoad_NilAndEmptyReaderReturnDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "hybrid", cfg.Sync.Strategy)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("sync: [not: a: mapping"))
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{"bad strategy", "sync:\n  strategy: gossip\n"},
		{"zero batch size", "sync:\n  batch_size: 0\n"},
		{"negative retries", "sync:\n  max_retries: -1\n"},
		{"bad backend", "storage:\n  backend: s3\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Node.DataDir)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: file-node\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "file-node", cfg.Node.ID)
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Equal(t, 60*time.Second, ParseDuration("", 60*time.Second, logger))
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("bogus", time.Minute, logger))
}
