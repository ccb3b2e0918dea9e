package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReplicationConfig holds the static replication role and peer wiring.
type ReplicationConfig struct {
	Role          string `yaml:"role"`           // "leader" or "follower"
	ListenAddress string `yaml:"listen_address"` // follower's AppendLog endpoint
	PeerAddress   string `yaml:"peer_address"`   // follower address, used by the leader

	RPCTimeout       string `yaml:"rpc_timeout"`
	RetryPolicy      string `yaml:"retry_policy"` // "constant" or "exponential"
	RetryInterval    string `yaml:"retry_interval"`
	MaxRetryInterval string `yaml:"max_retry_interval"`
	ProgressInterval string `yaml:"progress_interval"`
	ShutdownTimeout  string `yaml:"shutdown_timeout"`
	// Compression of AppendLog messages on the wire: none, zstd, snappy or lz4.
	Compression string `yaml:"compression"`
	// MaxPayloadBytes rejects larger appends before they reach the log. 0 disables the check.
	MaxPayloadBytes            int `yaml:"max_payload_bytes"`
	GracefulStopTimeoutSeconds int `yaml:"graceful_stop_timeout_seconds"`
}

// WALConfig holds sync log configuration.
type WALConfig struct {
	DataDir  string `yaml:"data_dir"`
	FileName string `yaml:"file_name"`
	SyncMode string `yaml:"sync_mode"` // "always" or "disabled"
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	ListenAddress           string `yaml:"listen_address"`
	PProfEnabled            bool   `yaml:"pprof_enabled"`
	MetricsEnabled          bool   `yaml:"metrics_enabled"`
	SystemCollectorInterval string `yaml:"system_collector_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Replication ReplicationConfig `yaml:"replication"`
	WAL         WALConfig         `yaml:"wal"`
	Logging     LoggingConfig     `yaml:"logging"`
	Debug       DebugConfig       `yaml:"debug"`
	Tracing     TracingConfig     `yaml:"tracing"`
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
		Replication: ReplicationConfig{
			Role:                       "leader",
			ListenAddress:              ":8828",
			PeerAddress:                "127.0.0.1:8829",
			RPCTimeout:                 "15s",
			RetryPolicy:                "constant",
			RetryInterval:              "5s",
			MaxRetryInterval:           "30s",
			ProgressInterval:           "10s",
			ShutdownTimeout:            "30s",
			MaxPayloadBytes:            0,
			GracefulStopTimeoutSeconds: 30,
		},
		WAL: WALConfig{
			DataDir:  "./data",
			FileName: "sync.log",
			SyncMode: "always",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nssync.log",
		},
		Debug: DebugConfig{
			Enabled:                 false,
			ListenAddress:           "127.0.0.1:6060",
			PProfEnabled:            true,
			MetricsEnabled:          true,
			SystemCollectorInterval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader on top of Default().
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

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
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks the fields that cannot fall back to a default.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Replication.Role) {
	case "leader", "master":
		if c.Replication.PeerAddress == "" {
			errs = append(errs, errors.New("replication.peer_address is required for a leader"))
		}
	case "follower", "slave":
		if c.Replication.ListenAddress == "" {
			errs = append(errs, errors.New("replication.listen_address is required for a follower"))
		}
	default:
		errs = append(errs, fmt.Errorf("replication.role %q must be leader or follower", c.Replication.Role))
	}
	switch strings.ToLower(c.Replication.RetryPolicy) {
	case "", "constant", "exponential":
	default:
		errs = append(errs, fmt.Errorf("replication.retry_policy %q must be constant or exponential", c.Replication.RetryPolicy))
	}
	switch strings.ToLower(c.Replication.Compression) {
	case "", "none", "zstd", "snappy", "lz4":
	default:
		errs = append(errs, fmt.Errorf("replication.compression %q must be none, zstd, snappy or lz4", c.Replication.Compression))
	}
	switch c.WAL.SyncMode {
	case "", "always", "disabled":
	default:
		errs = append(errs, fmt.Errorf("wal.sync_mode %q must be always or disabled", c.WAL.SyncMode))
	}
	if c.WAL.DataDir == "" {
		errs = append(errs, errors.New("wal.data_dir is required"))
	}
	if c.Replication.MaxPayloadBytes < 0 {
		errs = append(errs, errors.New("replication.max_payload_bytes must not be negative"))
	}
	return errors.Join(errs...)
}
