// Package dispatch routes tool calls to worker processes over MCP.
//
// Workers are spawned and registered once during the connect phase; the
// registration map is read-only afterwards, except for the name→connection
// index that ListTools rebuilds from the workers' advertised catalogues.
// Every dispatch is one traced remote invocation carrying the active span's
// identity in the call's _meta slot.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dylibso/mcp-otel/internal/config"
	"github.com/dylibso/mcp-otel/internal/telemetry"
	"github.com/dylibso/mcp-otel/internal/tracectx"
	"github.com/dylibso/mcp-otel/internal/tracing"
)

// ErrUnknownTool is returned when a requested tool name has no registration.
var ErrUnknownTool = errors.New("dispatch: unknown tool")

// ToolError reports a failure inside a worker's own tool logic, carrying the
// worker's message.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("dispatch: tool %s failed: %s", e.Tool, e.Message)
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult is the textual payload a worker returned for one call,
// correlated by the originating call's ID.
type ToolResult struct {
	ID      string
	Content string
}

// Conn is the subset of the MCP client a registry drives. The stdio client
// satisfies it; tests substitute fakes.
type Conn interface {
	Initialize(ctx context.Context, req mcplib.InitializeRequest) (*mcplib.InitializeResult, error)
	ListTools(ctx context.Context, req mcplib.ListToolsRequest) (*mcplib.ListToolsResult, error)
	CallTool(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
	Close() error
}

// Dialer spawns one worker and returns its connection, not yet initialized.
type Dialer func(spec config.WorkerSpec) (Conn, error)

// StdioDialer returns a Dialer that spawns each worker as a child process
// and speaks MCP over its stdio, inheriting the given environment.
func StdioDialer(env []string) Dialer {
	return func(spec config.WorkerSpec) (Conn, error) {
		return mcpclient.NewStdioMCPClient(spec.Command, env, spec.Args...)
	}
}

// Registry owns worker connections and the tool-name index over them.
type Registry struct {
	logger *slog.Logger
	tracer trace.Tracer
	dialer Dialer
	calls  metric.Int64Counter

	mu     sync.Mutex
	conns  map[string]Conn // alias → connection; immutable after Connect
	byTool map[string]Conn // rebuilt by ListTools
	closed bool
}

// New creates an empty registry. Call Connect before dispatching.
func New(logger *slog.Logger, dialer Dialer) *Registry {
	calls, err := telemetry.Meter("mcp-otel/dispatch").Int64Counter("mcp.tool_calls",
		metric.WithDescription("Tool dispatches by name and outcome"))
	if err != nil {
		logger.Warn("tool call counter unavailable", "error", err)
	}
	return &Registry{
		logger: logger,
		tracer: otel.Tracer("mcp-otel/dispatch"),
		dialer: dialer,
		calls:  calls,
		conns:  make(map[string]Conn),
		byTool: make(map[string]Conn),
	}
}

// Connect spawns and initializes every configured worker. Any failure closes
// the connections opened so far and fails the whole phase; a host with
// unreachable workers at startup does not limp along.
func (r *Registry) Connect(ctx context.Context, version string, specs []config.WorkerSpec) error {
	conns := make([]Conn, len(specs))

	g, ctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			conn, err := r.dialer(spec)
			if err != nil {
				return fmt.Errorf("dispatch: spawn worker %s: %w", spec.Alias, err)
			}
			conns[i] = conn

			_, err = conn.Initialize(ctx, mcplib.InitializeRequest{
				Params: mcplib.InitializeParams{
					ClientInfo: mcplib.Implementation{Name: "mcp-otel", Version: version},
				},
			})
			if err != nil {
				return fmt.Errorf("dispatch: initialize worker %s: %w", spec.Alias, err)
			}
			r.logger.Info("worker connected", "alias", spec.Alias, "command", spec.Command)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				_ = conn.Close()
			}
		}
		return err
	}

	r.mu.Lock()
	for i, spec := range specs {
		r.conns[spec.Alias] = conns[i]
	}
	r.mu.Unlock()
	return nil
}

// ListTools queries every worker's advertised catalogue, rebuilds the
// name→connection index, and returns the aggregated tools. A worker lost
// mid-session drops out of the catalogue (its tools become unavailable)
// as long as at least one worker still answers; the listing fails only
// when every worker is unreachable. No retries either way.
func (r *Registry) ListTools(ctx context.Context) ([]mcplib.Tool, error) {
	return tracing.WithSpanResult(ctx, r.tracer, "tools.list", func(ctx context.Context) ([]mcplib.Tool, error) {
		// conns is immutable after Connect; only the byTool index changes.
		r.mu.Lock()
		conns := make(map[string]Conn, len(r.conns))
		for alias, conn := range r.conns {
			conns[alias] = conn
		}
		r.mu.Unlock()

		aliases := make([]string, 0, len(conns))
		for alias := range conns {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)

		var all []mcplib.Tool
		next := make(map[string]Conn)
		reachable := 0
		var lastErr error
		for _, alias := range aliases {
			conn := conns[alias]
			res, err := conn.ListTools(ctx, mcplib.ListToolsRequest{})
			if err != nil {
				lastErr = fmt.Errorf("dispatch: list tools from %s: %w", alias, err)
				r.logger.Warn("worker unreachable, dropping its tools", "alias", alias, "error", err)
				continue
			}
			reachable++
			for _, t := range res.Tools {
				next[t.Name] = conn
				all = append(all, t)
			}
		}
		if reachable == 0 && lastErr != nil {
			return nil, lastErr
		}

		r.mu.Lock()
		r.byTool = next
		r.mu.Unlock()

		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("tools.count", len(all)))
		return all, nil
	})
}

// Dispatch resolves the worker serving call.Name and performs one traced
// remote invocation. The first text block of the response is the payload;
// a worker-reported failure surfaces as a *ToolError.
func (r *Registry) Dispatch(ctx context.Context, call ToolCall) (ToolResult, error) {
	r.mu.Lock()
	conn := r.byTool[call.Name]
	r.mu.Unlock()
	if conn == nil {
		return ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	outcome := "ok"
	defer func() {
		if r.calls != nil {
			r.calls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool.name", call.Name),
				attribute.String("outcome", outcome),
			))
		}
	}()

	result, err := tracing.WithSpanResult(ctx, r.tracer, "tool.dispatch "+call.Name, func(ctx context.Context) (ToolResult, error) {
		req := mcplib.CallToolRequest{}
		req.Params.Name = call.Name
		req.Params.Arguments = call.Arguments
		req.Params.Meta = tracectx.Inject(ctx)

		res, err := conn.CallTool(ctx, req)
		if err != nil {
			return ToolResult{}, fmt.Errorf("dispatch: call %s: %w", call.Name, err)
		}

		text := FirstText(res.Content)
		if res.IsError {
			return ToolResult{}, &ToolError{Tool: call.Name, Message: text}
		}
		return ToolResult{ID: call.ID, Content: text}, nil
	}, trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	if err != nil {
		outcome = "error"
		return ToolResult{}, err
	}

	r.logger.Debug("tool dispatched", "tool", call.Name, "call_id", call.ID)
	return result, nil
}

// Close closes every worker connection. Idempotent; the first error wins.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for alias, conn := range r.conns {
		if err := conn.Close(); err != nil {
			r.logger.Warn("worker close failed", "alias", alias, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FirstText returns the first text block in content, or "".
func FirstText(content []mcplib.Content) string {
	for _, c := range content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
