package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/INLOpen/nssync/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Server runs the follower's replication gRPC endpoint.
type Server struct {
	grpcServer          *grpc.Server
	listener            net.Listener
	logger              *slog.Logger
	gracefulStopTimeout time.Duration
	stopOnce            sync.Once
}

// NewServer listens on cfg.ListenAddress and registers handler.
func NewServer(cfg config.ReplicationConfig, handler MasterSlaveServer, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err)
	}
	timeout := time.Duration(cfg.GracefulStopTimeoutSeconds) * time.Second
	return NewServerWithListener(lis, handler, timeout, logger, opts...), nil
}

// NewServerWithListener serves on an existing listener (e.g. bufconn in tests).
func NewServerWithListener(lis net.Listener, handler MasterSlaveServer, gracefulStopTimeout time.Duration, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "replication_server")
	if gracefulStopTimeout <= 0 {
		gracefulStopTimeout = 30 * time.Second
	}

	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(logger))}, opts...)
	grpcServer := grpc.NewServer(opts...)
	RegisterMasterSlaveServer(grpcServer, handler)

	logger.Info("Replication gRPC server listening", "address", lis.Addr().String())
	return &Server{
		grpcServer:          grpcServer,
		listener:            lis,
		logger:              logger,
		gracefulStopTimeout: gracefulStopTimeout,
	}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves until Stop is called. It is a blocking call.
func (s *Server) Start() error {
	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.logger.Error("gRPC server failed", "error", err)
		return err
	}
	return nil
}

// Stop gracefully shuts the server down, forcing it after the graceful stop
// timeout.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping replication server...")

		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
			s.logger.Info("Replication server stopped gracefully.")
		case <-time.After(s.gracefulStopTimeout):
			s.logger.Warn("Graceful stop timeout exceeded, forcing shutdown", "timeout", s.gracefulStopTimeout)
			s.grpcServer.Stop()
			s.logger.Info("Replication server stopped forcefully.")
		}
	})
}

func loggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("Replication RPC failed", "method", info.FullMethod, "peer", leaderAddr(ctx), "code", status.Code(err).String(), "duration", time.Since(start), "error", err)
			return resp, err
		}
		logger.Debug("Replication RPC served", "method", info.FullMethod, "duration", time.Since(start))
		return resp, nil
	}
}
