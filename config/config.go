package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this participant and where it keeps its data.
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// PeerConfig describes one remote participant of the mesh.
type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// ServerConfig holds the listen/advertise addresses for the sync transport.
type ServerConfig struct {
	ListenAddress    string       `yaml:"listen_address"`
	AdvertiseAddress string       `yaml:"advertise_address"`
	Peers            []PeerConfig `yaml:"peers"`
}

// SyncConfig holds the synchronization protocol tunables.
type SyncConfig struct {
	Strategy          string `yaml:"strategy"` // "push", "pull", or "hybrid"
	SyncInterval      string `yaml:"sync_interval"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	BatchSize         int    `yaml:"batch_size"`
	MaxRetries        int    `yaml:"max_retries"`
	EnableCompression bool   `yaml:"enable_compression"`
	Compression       string `yaml:"compression"` // "snappy", "lz4", "zstd"
}

// StorageConfig holds audit log storage configurations.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // "file" or "memory"
	Compression string `yaml:"compression"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listen_address"`
	PProfEnabled   bool   `yaml:"pprof_enabled"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Server  ServerConfig  `yaml:"server"`
	Sync    SyncConfig    `yaml:"sync"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Debug   DebugConfig   `yaml:"debug"`
	Tracing TracingConfig `yaml:"tracing"`
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

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Node: NodeConfig{
			ID:      "",
			DataDir: "./data",
		},
		Server: ServerConfig{
			ListenAddress:    ":7420",
			AdvertiseAddress: "",
			Peers:            nil,
		},
		Sync: SyncConfig{
			Strategy:          "hybrid",
			SyncInterval:      "60s",
			HeartbeatInterval: "15s",
			BatchSize:         100,
			MaxRetries:        3,
			EnableCompression: false,
			Compression:       "snappy",
		},
		Storage: StorageConfig{
			Backend:     "file",
			Compression: "none",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "auditmesh.log",
		},
		Debug: DebugConfig{
			Enabled:        false,
			ListenAddress:  "0.0.0.0:6060",
			PProfEnabled:   true,
			MetricsEnabled: true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// If data is empty, return defaults.
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Sync.Strategy {
	case "push", "pull", "hybrid":
	default:
		return fmt.Errorf("invalid sync strategy: %q (want push, pull, or hybrid)", c.Sync.Strategy)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	switch c.Storage.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("invalid storage backend: %q (want file or memory)", c.Storage.Backend)
	}
	return nil
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
