package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/auditmesh/auditmesh/config"
	"github.com/auditmesh/auditmesh/core"
	"github.com/auditmesh/auditmesh/node"
	"github.com/auditmesh/auditmesh/server"
	"github.com/auditmesh/auditmesh/storage"
)

const logFileName = "audit.log"

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

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
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

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("auditmesh")))
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

// openAuditLog selects and opens the configured storage backend.
func openAuditLog(cfg *config.Config, logger *slog.Logger) (storage.AuditLog, error) {
	switch cfg.Storage.Backend {
	case "memory":
		logger.Info("Using in-memory audit log; records will not survive a restart.")
		return storage.NewMemoryLog(), nil
	case "file":
		compression, ok := core.CompressionTypeFromString(cfg.Storage.Compression)
		if !ok {
			return nil, fmt.Errorf("invalid storage compression: %q", cfg.Storage.Compression)
		}
		path := filepath.Join(cfg.Node.DataDir, logFileName)
		logger.Info("Opening audit log", "path", path, "compression", compression.String())
		return storage.OpenFileLog(path, compression, logger)
	default:
		return nil, fmt.Errorf("invalid storage backend: %q", cfg.Storage.Backend)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// Use a temporary logger for pre-config errors
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
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

	if cfg.Node.ID == "" {
		logger.Error("node.id must be specified in the configuration file.")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		logger.Error("Failed to create data directory", "path", cfg.Node.DataDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Using data directory", "path", cfg.Node.DataDir)

	var debugSrv *server.DebugServer
	if cfg.Debug.Enabled {
		debugSrv = server.NewDebugServer(&cfg.Debug, logger)
		go func() {
			if err := debugSrv.Start(); err != nil {
				logger.Error("Failed to start debug server", "error", err)
			}
		}()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}

	auditLog, err := openAuditLog(cfg, logger)
	if err != nil {
		logger.Error("Failed to open audit log", "error", err)
		os.Exit(1)
	}

	n, err := node.New(cfg, auditLog, logger, tp)
	if err != nil {
		logger.Error("Failed to create node", "error", err)
		auditLog.Close()
		os.Exit(1)
	}

	logger.Info("Node running. Press Ctrl+C to exit.",
		"node", cfg.Node.ID, "peers", len(cfg.Server.Peers), "strategy", cfg.Sync.Strategy)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	nodeErrChan := make(chan error, 1)
	go func() {
		nodeErrChan <- n.Run(ctx)
	}()

	select {
	case err := <-nodeErrChan:
		if err != nil {
			logger.Error("Node exited with an error", "error", err)
		}
	case <-quit:
		logger.Info("Shutdown signal received. Stopping node...")
		cancel()
		<-nodeErrChan
	}

	if err := auditLog.Close(); err != nil {
		logger.Error("Failed to close audit log", "error", err)
	}
	tracerCleanup()
	if debugSrv != nil {
		debugSrv.Stop()
	}
	cancel()

	logger.Info("Node exited gracefully.")
}
