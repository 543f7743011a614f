package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RegisterCalculator adds the calculate tool to s.
func RegisterCalculator(s *mcpserver.MCPServer, tracer trace.Tracer, logger *slog.Logger) {
	s.AddTool(
		mcplib.NewTool("calculate",
			mcplib.WithDescription("Perform basic arithmetic on two numbers"),
			mcplib.WithString("operation",
				mcplib.Description("The arithmetic operation to perform"),
				mcplib.Required(),
				mcplib.Enum("add", "subtract", "multiply", "divide"),
			),
			mcplib.WithNumber("a", mcplib.Description("First operand"), mcplib.Required()),
			mcplib.WithNumber("b", mcplib.Description("Second operand"), mcplib.Required()),
		),
		Traced(tracer, "tool.calculate", handleCalculate(logger)),
	)
}

func handleCalculate(logger *slog.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		op := req.GetString("operation", "")
		a := req.GetFloat("a", 0)
		b := req.GetFloat("b", 0)

		result, err := Calculate(op, a, b)
		if err != nil {
			return errorResult(err.Error()), nil
		}

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("calc.operation", op),
				attribute.Float64("calc.a", a),
				attribute.Float64("calc.b", b),
				attribute.Float64("calc.result", result),
			)
		}

		logger.Debug("calculate", "operation", op, "a", a, "b", b, "result", result)
		return textResult(FormatNumber(result)), nil
	}
}

// Calculate applies op to a and b.
func Calculate(op string, a, b float64) (float64, error) {
	switch op {
	case "add":
		return a + b, nil
	case "subtract":
		return a - b, nil
	case "multiply":
		return a * b, nil
	case "divide":
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	default:
		return 0, fmt.Errorf("unsupported operation %q", op)
	}
}

// FormatNumber renders n without trailing zeros so integral results read as
// integers ("5", not "5.000000").
func FormatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
