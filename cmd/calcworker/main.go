package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"

	"github.com/dylibso/mcp-otel/internal/telemetry"
	"github.com/dylibso/mcp-otel/internal/worker"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MCPOTEL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// Stdout is the MCP transport; everything else goes to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" || serviceName == "mcp-otel" {
		// Don't inherit the host's service name through the spawned env;
		// worker spans should be attributable to the worker.
		serviceName = "mcp-otel-calcworker"
	}
	insecure := os.Getenv("MCPOTEL_OTEL_INSECURE") == "true"

	otelShutdown, err := telemetry.Init(ctx, endpoint, serviceName, version, insecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	srv := mcpserver.NewMCPServer("calcworker", version,
		mcpserver.WithToolCapabilities(true),
	)
	worker.RegisterCalculator(srv, otel.Tracer("mcp-otel/calcworker"), logger)

	logger.Info("calcworker serving on stdio", "version", version)
	if err := mcpserver.ServeStdio(srv); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
