package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/nssync/config"
	"github.com/INLOpen/nssync/core"
	"github.com/arl/statsviz"
)

// NodeStatus is what the debug server reports on /status.
type NodeStatus interface {
	Role() core.Role
	Mode() core.Mode
	Offsets() core.Offsets
}

// progressReporter is implemented by nodes that persist replication progress.
type progressReporter interface {
	ProgressStalled() bool
}

type statusResponse struct {
	Role            string `json:"role"`
	Mode            string `json:"mode"`
	CurrentOffset   uint64 `json:"current_offset"`
	SyncOffset      uint64 `json:"sync_offset"`
	LagBytes        uint64 `json:"lag_bytes"`
	ProgressStalled bool   `json:"progress_stalled,omitempty"`
}

// DebugServer serves pprof, expvar metrics and node status over HTTP.
type DebugServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewDebugServer builds the debug mux from cfg. node may be nil.
func NewDebugServer(cfg config.DebugConfig, node NodeStatus, logger *slog.Logger) *DebugServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	mux := http.NewServeMux()
	logger = logger.With("component", "DebugServer")

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")

		if err := statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		); err != nil {
			logger.Warn("Failed to register statsviz", "error", err)
		}
	}
	if node != nil {
		mux.HandleFunc("/status", statusHandler(node))
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:6060"
	}

	return &DebugServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func statusHandler(node NodeStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offs := node.Offsets()
		resp := statusResponse{
			Role:          node.Role().String(),
			Mode:          node.Mode().String(),
			CurrentOffset: offs.Current,
			SyncOffset:    offs.Synced,
			LagBytes:      offs.Lag(),
		}
		if pr, ok := node.(progressReporter); ok {
			resp.ProgressStalled = pr.ProgressStalled()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Handler returns the server's mux.
func (s *DebugServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called. It is a blocking call.
func (s *DebugServer) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called.
func (s *DebugServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Debug server listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Debug server failed", "error", err)
		return fmt.Errorf("failed to start debug server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the debug server.
func (s *DebugServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping debug server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Debug server shutdown failed", "error", err)
	} else {
		s.logger.Info("Debug server stopped gracefully.")
	}
}
