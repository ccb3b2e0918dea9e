package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nssync/config"
	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/replication"
	"github.com/INLOpen/nssync/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLogger(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"Stdout", config.LoggingConfig{Level: "info", Output: "stdout"}, false},
		{"None", config.LoggingConfig{Level: "debug", Output: "none"}, false},
		{"File", config.LoggingConfig{Level: "warn", Output: "file", File: filepath.Join(t.TempDir(), "nssync.log")}, false},
		{"FileWithoutPath", config.LoggingConfig{Level: "info", Output: "file"}, true},
		{"BadLevel", config.LoggingConfig{Level: "loud", Output: "stdout"}, true},
		{"BadOutput", config.LoggingConfig{Level: "info", Output: "syslog"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger, closer, err := createLogger(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			if closer != nil {
				closer.Close()
			}
		})
	}
}

func TestNodeOptions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Replication.RPCTimeout = "250ms"
	cfg.Replication.RetryPolicy = "exponential"
	cfg.WAL.SyncMode = "disabled"

	opts, err := nodeOptions(cfg, core.RoleLeader, logger)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, opts.RPCTimeout)
	assert.Equal(t, wal.SyncDisabled, opts.WALSyncMode)
	require.NotNil(t, opts.RetryPolicy)

	opts, err = nodeOptions(cfg, core.RoleFollower, logger)
	require.NoError(t, err)
	assert.Nil(t, opts.RetryPolicy)

	cfg.Replication.RetryPolicy = "linear"
	_, err = nodeOptions(cfg, core.RoleLeader, logger)
	assert.Error(t, err)
}

type ackPeer struct{}

func (ackPeer) AppendLog(context.Context, []byte) (bool, error) { return true, nil }
func (ackPeer) Close() error                                    { return nil }

func TestAppendFromStdin(t *testing.T) {
	node, err := replication.NewNode(replication.Options{
		Role:        core.RoleLeader,
		DataDir:     t.TempDir(),
		WALSyncMode: wal.SyncDisabled,
		Peer:        ackPeer{},
	})
	require.NoError(t, err)
	defer node.Close(context.Background())

	var prompt bytes.Buffer
	in := strings.NewReader("mkdir /a\n\nmkdir /b\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, appendFromStdin(context.Background(), in, &prompt, node, time.Second, logger))

	offs := node.Offsets()
	assert.Equal(t, uint64(2*(wal.HeaderSize+len("mkdir /a"))), offs.Current)
	assert.Equal(t, offs.Current, offs.Synced)
	assert.Equal(t, 4, strings.Count(prompt.String(), "nssync> "))
}
