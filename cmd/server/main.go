// Command server runs a single epbucket node: it loads the yaml
// configuration, wires logging and tracing, starts the bucket with its
// background tasks and serves the debug listener until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/INLOpen/epbucket/bucket"
	"github.com/INLOpen/epbucket/config"
	"github.com/arl/statsviz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml configuration")
	nodeName := flag.String("node", "", "this node's name in replication topologies")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := setupTracing(ctx, cfg)
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("trace provider shutdown", "error", err)
			}
		}()
	}

	opts := bucket.Options{
		NodeName: *nodeName,
		Logger:   logger,
		Tracer:   otel.Tracer("epbucket"),
	}
	var b bucket.Bucket
	switch cfg.Bucket.Type {
	case "ephemeral":
		b, err = bucket.NewEphemeralBucket(cfg, opts)
	default:
		b, err = bucket.NewEPBucket(cfg, opts, nil)
	}
	if err != nil {
		logger.Error("bucket startup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("bucket started", "name", b.Name(), "type", cfg.Bucket.Type)

	var debugSrv *http.Server
	if cfg.Debug.Enabled {
		debugSrv = startDebugServer(cfg, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		debugSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := b.Close(); err != nil {
		logger.Error("bucket shutdown failed", "error", err)
		os.Exit(1)
	}
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var out *os.File
	switch cfg.Logging.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file: %v\n", err)
			os.Exit(1)
		}
		out = f
	default:
		out = os.Stdout
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: cfg.LogLevel()}))
}

func setupTracing(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Tracing.Enabled {
		return nil, nil
	}
	var (
		exporter *otlptrace.Exporter
		err      error
	)
	switch cfg.Tracing.Protocol {
	case "", "grpc":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Tracing.Endpoint),
			otlptracegrpc.WithInsecure())
	case "http":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Tracing.Endpoint),
			otlptracehttp.WithInsecure())
	default:
		return nil, fmt.Errorf("unknown tracing protocol %q", cfg.Tracing.Protocol)
	}
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func startDebugServer(cfg *config.Config, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	if err := statsviz.Register(mux); err != nil {
		logger.Warn("statsviz registration failed", "error", err)
	}
	srv := &http.Server{Addr: cfg.Debug.ListenAddress, Handler: mux}
	go func() {
		logger.Info("debug listener", "addr", cfg.Debug.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug listener failed", "error", err)
		}
	}()
	return srv
}
