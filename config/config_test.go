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
replication:
  role: follower
  listen_address: ":9999"
  retry_policy: exponential
wal:
  data_dir: "/tmp/nssync_data"
  sync_mode: disabled
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "follower", cfg.Replication.Role)
	assert.Equal(t, ":9999", cfg.Replication.ListenAddress)
	assert.Equal(t, "exponential", cfg.Replication.RetryPolicy)
	assert.Equal(t, "/tmp/nssync_data", cfg.WAL.DataDir)
	assert.Equal(t, "disabled", cfg.WAL.SyncMode)

	// Defaults that were not overridden
	assert.Equal(t, "15s", cfg.Replication.RPCTimeout)
	assert.Equal(t, "10s", cfg.Replication.ProgressInterval)
	assert.Equal(t, "sync.log", cfg.WAL.FileName)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "leader", cfg.Replication.Role)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "5s", cfg.Replication.RetryInterval)
	assert.Equal(t, "always", cfg.WAL.SyncMode)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
replication:
  role: leader
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nssync.yaml")
		require.NoError(t, os.WriteFile(path, []byte("replication:\n  peer_address: \"10.0.0.2:8828\"\n"), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:8828", cfg.Replication.PeerAddress)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"Defaults", func(c *Config) {}, ""},
		{"LegacyRoleNames", func(c *Config) { c.Replication.Role = "slave" }, ""},
		{"UnknownRole", func(c *Config) { c.Replication.Role = "observer" }, "replication.role"},
		{"LeaderWithoutPeer", func(c *Config) { c.Replication.PeerAddress = "" }, "peer_address"},
		{"FollowerWithoutListen", func(c *Config) {
			c.Replication.Role = "follower"
			c.Replication.ListenAddress = ""
		}, "listen_address"},
		{"BadRetryPolicy", func(c *Config) { c.Replication.RetryPolicy = "fibonacci" }, "retry_policy"},
		{"BadCompression", func(c *Config) { c.Replication.Compression = "brotli" }, "compression"},
		{"Zstd", func(c *Config) { c.Replication.Compression = "zstd" }, ""},
		{"BadSyncMode", func(c *Config) { c.WAL.SyncMode = "interval" }, "sync_mode"},
		{"NoDataDir", func(c *Config) { c.WAL.DataDir = "" }, "data_dir"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"NilLogger", "5x", defaultDuration},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			assert.Equal(t, tc.expected, ParseDuration(tc.input, defaultDuration, testLogger))
		})
	}
}
