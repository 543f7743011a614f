package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/dylibso/mcp-otel/internal/anthropic"
	"github.com/dylibso/mcp-otel/internal/config"
	"github.com/dylibso/mcp-otel/internal/dispatch"
	"github.com/dylibso/mcp-otel/internal/orchestrator"
	"github.com/dylibso/mcp-otel/internal/session"
	"github.com/dylibso/mcp-otel/internal/telemetry"
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
	// Logs go to stderr so they don't interleave with the chat prompt.
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
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("mcp-otel starting", "version", version, "model", cfg.Model, "workers", len(cfg.Workers))

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		// Bounded grace period for in-flight trace publication; publication
		// is best-effort, so a flush failure only logs.
		shCtx, shCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shCancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Connect workers. Unreachable workers at startup are fatal (exit 1).
	registry := dispatch.New(logger, dispatch.StdioDialer(os.Environ()))
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err = registry.Connect(connectCtx, version, cfg.Workers)
	connectCancel()
	if err != nil {
		_ = registry.Close()
		return fmt.Errorf("connect workers: %w", err)
	}

	// Start the session before the first tool listing so its catalogue spans
	// already belong to the session trace.
	sess := session.Start(ctx, otel.Tracer("mcp-otel/session"), uuid.NewString())
	slog.Info("session started", "session_id", sess.ID(), "trace_id", sess.TraceID().String())

	model := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.Model, cfg.MaxTokens)

	orch := orchestrator.New(orchestrator.Config{
		Model:             model,
		Tools:             registry,
		Session:           sess,
		Logger:            logger,
		SystemPrompt:      cfg.SystemPrompt,
		MaxToolIterations: cfg.MaxToolIterations,
	})
	// Cleanup is idempotent: the deferred call is a no-op when the chat loop
	// already ran it, and a repeated signal during shutdown does nothing.
	defer orch.Cleanup()

	tools, err := registry.ListTools(sess.Attach(ctx))
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	slog.Info("tools available", "tools", names)

	if err := chatLoop(ctx, orch, names); err != nil {
		return fmt.Errorf("chat loop: %w", err)
	}

	orch.Cleanup()
	slog.Info("mcp-otel stopped")
	return nil
}

// chatLoop reads one line per turn until exit/quit, EOF, or cancellation.
// Turn failures are reported to the user and the loop re-prompts; only input
// errors terminate it.
func chatLoop(ctx context.Context, orch *orchestrator.Orchestrator, tools []string) error {
	fmt.Printf("Connected. Tools: %s. Type a message, or exit/quit to leave.\n", strings.Join(tools, ", "))

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
				return nil
			}

			start := time.Now()
			reply, err := orch.Chat(ctx, line)
			if err != nil {
				if ctx.Err() != nil {
					fmt.Println()
					return nil
				}
				slog.Error("turn failed", "error", err)
				fmt.Printf("error: %v\n", err)
				continue
			}
			slog.Debug("turn succeeded", "duration", time.Since(start))
			fmt.Println(reply)
		}
	}
}
