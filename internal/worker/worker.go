// Package worker implements the worker-side half of the trace propagation
// protocol plus the tools served by the bundled worker binaries.
package worker

import (
	"context"
	"errors"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dylibso/mcp-otel/internal/dispatch"
	"github.com/dylibso/mcp-otel/internal/tracectx"
	"github.com/dylibso/mcp-otel/internal/tracing"
)

// toolFailure marks a worker-reported tool failure inside the span helper so
// the span gets an error status while the MCP response still carries the
// IsError result to the caller.
type toolFailure struct {
	msg string
}

func (e *toolFailure) Error() string { return e.msg }

// Traced wraps an MCP tool handler so it runs under a local span parented to
// the remote context carried in the request's _meta, when one is present.
// With no (or a malformed) inbound context the handler runs untraced; its
// result is identical in both cases.
func Traced(tracer trace.Tracer, name string, handler mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		parent, ok := tracectx.Extract(req.Params.Meta)
		if !ok {
			return handler(ctx, req)
		}

		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
		var res *mcplib.CallToolResult
		err := tracing.WithSpan(ctx, tracer, name, func(ctx context.Context) error {
			r, err := handler(ctx, req)
			if err != nil {
				return err
			}
			res = r
			if r != nil && r.IsError {
				return &toolFailure{msg: dispatch.FirstText(r.Content)}
			}
			return nil
		}, trace.WithAttributes(attribute.String("tool.name", req.Params.Name)))

		if err != nil {
			var tf *toolFailure
			if errors.As(err, &tf) {
				// Already reported on the span; the result speaks for itself.
				return res, nil
			}
			return nil, err
		}
		return res, nil
	}
}
