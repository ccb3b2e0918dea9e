package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nssync/config"
	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/hooks"
	"github.com/INLOpen/nssync/hooks/listeners"
	"github.com/INLOpen/nssync/replication"
	"github.com/INLOpen/nssync/server"
	"github.com/INLOpen/nssync/wal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider sets up an OTLP exporter when tracing is enabled.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nssync")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// nodeOptions translates the file configuration into replication.Options.
func nodeOptions(cfg *config.Config, role core.Role, logger *slog.Logger) (replication.Options, error) {
	opts := replication.Options{
		Role:             role,
		DataDir:          cfg.WAL.DataDir,
		WALFileName:      cfg.WAL.FileName,
		WALSyncMode:      wal.SyncMode(cfg.WAL.SyncMode),
		RPCTimeout:       config.ParseDuration(cfg.Replication.RPCTimeout, replication.DefaultRPCTimeout, logger),
		ProgressInterval: config.ParseDuration(cfg.Replication.ProgressInterval, 10*time.Second, logger),
		Logger:           logger,
	}
	if role != core.RoleLeader {
		return opts, nil
	}
	retry, err := replication.NewRetryPolicy(
		cfg.Replication.RetryPolicy,
		config.ParseDuration(cfg.Replication.RetryInterval, replication.DefaultRetryInterval, logger),
		config.ParseDuration(cfg.Replication.MaxRetryInterval, replication.DefaultMaxRetryInterval, logger),
	)
	if err != nil {
		return opts, err
	}
	opts.RetryPolicy = retry
	return opts, nil
}

// appendFromStdin appends each input line on the leader, waiting up to
// timeout for each to reach the follower. A non-nil prompt is written before
// every line.
func appendFromStdin(ctx context.Context, r io.Reader, prompt io.Writer, node *replication.Node, timeout time.Duration, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	showPrompt := func() {
		if prompt != nil {
			fmt.Fprint(prompt, "nssync> ")
		}
	}
	for showPrompt(); scanner.Scan(); showPrompt() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := node.Append(append([]byte(nil), line...), timeout); err != nil {
			logger.Error("Append failed", "error", err)
			continue
		}
		offs := node.Offsets()
		logger.Info("Appended", "current_offset", offs.Current, "sync_offset", offs.Synced, "mode", node.Mode().String())
	}
	return scanner.Err()
}

func main() {
	configPath := flag.String("config", "nssync.yaml", "Path to the configuration file")
	stdinAppends := flag.Bool("stdin", false, "On a leader, append each line read from stdin")
	appendTimeout := flag.Duration("append-timeout", 2*time.Second, "How long a stdin append waits for the follower")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(cfg, logger, *stdinAppends, *appendTimeout); err != nil {
		logger.Error("nssync exited with an error", "error", err)
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
	logger.Info("nssync exited gracefully.")
}

func run(cfg *config.Config, logger *slog.Logger, stdinAppends bool, appendTimeout time.Duration) error {
	role, err := core.ParseRole(cfg.Replication.Role)
	if err != nil {
		return err
	}
	logger.Info("Starting nssync", "role", role, "data_dir", cfg.WAL.DataDir)

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	hookManager := hooks.NewHookManager(logger)
	hookManager.Register(hooks.EventPostModeChange, listeners.NewModeTrackerListener(logger))
	if cfg.Replication.MaxPayloadBytes > 0 {
		hookManager.Register(hooks.EventPreAppend, listeners.NewPayloadLimiterListener(cfg.Replication.MaxPayloadBytes, logger))
	}
	defer hookManager.Stop()

	opts, err := nodeOptions(cfg, role, logger)
	if err != nil {
		return err
	}
	opts.HookManager = hookManager
	opts.TracerProvider = tp
	opts.Metrics = replication.NewMetrics(cfg.Debug.Enabled && cfg.Debug.MetricsEnabled, "nssync_")

	if role == core.RoleLeader {
		dialOpts, err := replication.PeerDialOptions(cfg.Replication.Compression)
		if err != nil {
			return err
		}
		peer, err := replication.DialPeer(cfg.Replication.PeerAddress, logger, dialOpts...)
		if err != nil {
			return err
		}
		opts.Peer = peer
	}

	node, err := replication.NewNode(opts)
	if err != nil {
		if opts.Peer != nil {
			opts.Peer.Close()
		}
		return fmt.Errorf("failed to start replication node: %w", err)
	}
	opts.Metrics.PublishGauges("nssync_", node)
	node.RegisterApply(func(payload []byte) {
		logger.Debug("Applied record", "size", len(payload))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var debugSrv *server.DebugServer
	var collector *server.SystemCollector
	if cfg.Debug.Enabled {
		debugSrv = server.NewDebugServer(cfg.Debug, node, logger)
		g.Go(debugSrv.Start)
		collector = server.NewSystemCollector(cfg.WAL.DataDir,
			config.ParseDuration(cfg.Debug.SystemCollectorInterval, 15*time.Second, logger), logger)
		collector.Start()
	}

	var replSrv *replication.Server
	if role == core.RoleFollower {
		replSrv, err = replication.NewServer(cfg.Replication, node.Handler(), logger)
		if err != nil {
			node.Close(context.Background())
			return err
		}
		g.Go(replSrv.Start)
	}

	if stdinAppends && role == core.RoleLeader {
		var prompt io.Writer
		if term.IsTerminal(int(os.Stdin.Fd())) {
			prompt = os.Stderr
		}
		go func() {
			if err := appendFromStdin(gctx, os.Stdin, prompt, node, appendTimeout, logger); err != nil {
				logger.Error("Reading stdin failed", "error", err)
			}
		}()
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("Shutdown signal received. Stopping...")
			return nil
		case err := <-node.Fatal():
			return fmt.Errorf("replication stopped: %w", err)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		if replSrv != nil {
			replSrv.Stop()
		}
		if debugSrv != nil {
			debugSrv.Stop()
		}
		return nil
	})

	runErr := g.Wait()

	if collector != nil {
		collector.Stop()
	}
	shutdownTimeout := config.ParseDuration(cfg.Replication.ShutdownTimeout, 30*time.Second, logger)
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Close(closeCtx); err != nil {
		logger.Error("Replication node closed with errors", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
