// Package orchestrator drives the per-turn model/tool loop.
//
// One orchestrator serves one session, one turn at a time. A turn alternates
// model calls and sequential tool dispatches until the model stops requesting
// tools, accumulating every span under the session's root. A failed turn
// leaves the session and its root span open for the next one.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dylibso/mcp-otel/internal/anthropic"
	"github.com/dylibso/mcp-otel/internal/dispatch"
	"github.com/dylibso/mcp-otel/internal/session"
	"github.com/dylibso/mcp-otel/internal/tracing"
)

// defaultMaxToolIterations bounds the model/tool loop within one turn when
// the configuration does not.
const defaultMaxToolIterations = 10

var (
	// ErrTurnInProgress is returned by Chat while another turn is running.
	ErrTurnInProgress = errors.New("orchestrator: turn already in progress")

	// ErrToolLoopExceeded is returned when one turn requests more model/tool
	// round trips than the configured cap allows.
	ErrToolLoopExceeded = errors.New("orchestrator: tool loop exceeded maximum iterations")
)

// ModelCaller is the call-a-model capability.
type ModelCaller interface {
	Messages(ctx context.Context, system string, messages []anthropic.Message, tools []anthropic.Tool) (*anthropic.Response, error)
}

// ToolDispatcher is the call-a-remote-tool capability.
type ToolDispatcher interface {
	ListTools(ctx context.Context) ([]mcplib.Tool, error)
	Dispatch(ctx context.Context, call dispatch.ToolCall) (dispatch.ToolResult, error)
	Close() error
}

// Config wires an Orchestrator's collaborators.
type Config struct {
	Model             ModelCaller
	Tools             ToolDispatcher
	Session           *session.Session
	Logger            *slog.Logger
	SystemPrompt      string
	MaxToolIterations int
}

// Orchestrator is the per-turn state machine.
type Orchestrator struct {
	model    ModelCaller
	tools    ToolDispatcher
	sess     *session.Session
	logger   *slog.Logger
	tracer   trace.Tracer
	system   string
	maxIters int

	transcript []anthropic.Message
	inTurn     atomic.Bool
	cleanup    sync.Once
}

// New creates an orchestrator for one session.
func New(cfg Config) *Orchestrator {
	maxIters := cfg.MaxToolIterations
	if maxIters <= 0 {
		maxIters = defaultMaxToolIterations
	}
	return &Orchestrator{
		model:    cfg.Model,
		tools:    cfg.Tools,
		sess:     cfg.Session,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("mcp-otel/orchestrator"),
		system:   cfg.SystemPrompt,
		maxIters: maxIters,
	}
}

// Chat runs one turn: the user's message in, the model's final text out.
// Concurrent calls fail fast with ErrTurnInProgress. On failure the
// transcript is rolled back to its pre-turn state and the session stays
// usable for the next turn.
func (o *Orchestrator) Chat(ctx context.Context, input string) (string, error) {
	if !o.inTurn.CompareAndSwap(false, true) {
		return "", ErrTurnInProgress
	}
	defer o.inTurn.Store(false)

	baseLen := len(o.transcript)
	out, err := tracing.WithSpanResult(o.sess.Attach(ctx), o.tracer, "chat.turn",
		func(ctx context.Context) (string, error) {
			return o.runTurn(ctx, input)
		},
		trace.WithAttributes(
			attribute.Int("turn.number", o.sess.TurnCount()+1),
			attribute.Int("turn.input_chars", len(input)),
		),
	)
	if err != nil {
		o.transcript = o.transcript[:baseLen]
		return "", err
	}
	return out, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, input string) (string, error) {
	catalogue, err := o.listCatalogue(ctx)
	if err != nil {
		return "", err
	}

	o.transcript = append(o.transcript, anthropic.TextMessage(anthropic.RoleUser, input))

	for iter := 1; iter <= o.maxIters; iter++ {
		resp, err := tracing.WithSpanResult(ctx, o.tracer, "llm.messages",
			func(ctx context.Context) (*anthropic.Response, error) {
				return o.model.Messages(ctx, o.system, o.transcript, catalogue)
			},
			trace.WithAttributes(attribute.Int("turn.iteration", iter)),
		)
		if err != nil {
			return "", err
		}

		uses := resp.ToolUses()
		if len(uses) == 0 || resp.StopReason == anthropic.StopEndTurn {
			out := resp.Text()
			o.transcript = append(o.transcript, anthropic.Message{Role: anthropic.RoleAssistant, Content: resp.Content})
			o.sess.RecordTurn(input, out)
			o.logger.Debug("turn complete", "iterations", iter, "output_chars", len(out))
			return out, nil
		}

		// Tool requests are dispatched sequentially, in model order, each
		// awaited before the next. Their results feed back as one user
		// message and the loop re-enters the model.
		o.transcript = append(o.transcript, anthropic.Message{Role: anthropic.RoleAssistant, Content: resp.Content})
		results, err := o.dispatchAll(ctx, uses)
		if err != nil {
			return "", err
		}
		o.transcript = append(o.transcript, anthropic.ToolResultsMessage(results))
	}

	return "", fmt.Errorf("%w (%d)", ErrToolLoopExceeded, o.maxIters)
}

func (o *Orchestrator) dispatchAll(ctx context.Context, uses []anthropic.ContentBlock) ([]anthropic.ContentBlock, error) {
	results := make([]anthropic.ContentBlock, 0, len(uses))
	for _, use := range uses {
		var args map[string]any
		if len(use.Input) > 0 {
			if err := json.Unmarshal(use.Input, &args); err != nil {
				return nil, fmt.Errorf("orchestrator: decode arguments for %s: %w", use.Name, err)
			}
		}

		res, err := o.tools.Dispatch(ctx, dispatch.ToolCall{ID: use.ID, Name: use.Name, Arguments: args})
		if err != nil {
			return nil, err
		}
		results = append(results, anthropic.ContentBlock{
			Type:      anthropic.BlockToolResult,
			ToolUseID: use.ID,
			Content:   res.Content,
		})
	}
	return results, nil
}

// listCatalogue resolves the tool catalogue once per turn and converts the
// MCP schemas into the model's tool format.
func (o *Orchestrator) listCatalogue(ctx context.Context) ([]anthropic.Tool, error) {
	tools, err := o.tools.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	catalogue := make([]anthropic.Tool, 0, len(tools))
	for _, t := range tools {
		catalogue = append(catalogue, anthropic.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return catalogue, nil
}

// Cleanup closes the worker connections and ends the session span.
// Safe to call more than once; later calls are no-ops.
func (o *Orchestrator) Cleanup() {
	o.cleanup.Do(func() {
		if err := o.tools.Close(); err != nil {
			o.logger.Warn("worker close failed", "error", err)
		}
		o.sess.End()
		o.logger.Info("session ended", "session_id", o.sess.ID(), "turns", o.sess.TurnCount())
	})
}
