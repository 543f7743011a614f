// Package tracectx carries span identity across the MCP process boundary.
//
// MCP tool calls have no native tracing field, so the caller's span identity
// rides in the request's _meta extensibility slot under the "traceContext"
// key as a small object: {traceId, spanId, traceFlags, isRemote}. The shape
// is a convention layered on top of the protocol, not a protocol field.
// Receivers must treat a missing or malformed entry as an untraced call,
// never as an error.
package tracectx

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"
)

// MetaKey is the _meta field under which the trace context travels.
const MetaKey = "traceContext"

// TraceContext is the wire form of one span identity. Immutable value type;
// encode/decode must round-trip exactly.
type TraceContext struct {
	TraceID    string `json:"traceId"` // 32 hex chars
	SpanID     string `json:"spanId"`  // 16 hex chars
	TraceFlags int    `json:"traceFlags"`
	IsRemote   bool   `json:"isRemote"`
}

// FromSpanContext encodes a live span context. The span's own identity is
// captured, not its parent's.
func FromSpanContext(sc trace.SpanContext) TraceContext {
	return TraceContext{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: int(sc.TraceFlags()),
		IsRemote:   true,
	}
}

// SpanContext decodes the carrier into a remote parent reference.
// ok is false when the identifiers are malformed or all-zero.
func (tc TraceContext) SpanContext() (trace.SpanContext, bool) {
	traceID, err := trace.TraceIDFromHex(tc.TraceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(tc.SpanID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(tc.TraceFlags), //nolint:gosec // flags is a single byte
		Remote:     true,
	})
	if !sc.IsValid() {
		return trace.SpanContext{}, false
	}
	return sc, true
}

func (tc TraceContext) asMap() map[string]any {
	return map[string]any{
		"traceId":    tc.TraceID,
		"spanId":     tc.SpanID,
		"traceFlags": tc.TraceFlags,
		"isRemote":   tc.IsRemote,
	}
}

// fromMap reads the wire form out of a decoded JSON object. Numeric fields
// arrive as float64 after JSON decoding; both forms are accepted.
func fromMap(m map[string]any) TraceContext {
	var tc TraceContext
	if v, ok := m["traceId"].(string); ok {
		tc.TraceID = v
	}
	if v, ok := m["spanId"].(string); ok {
		tc.SpanID = v
	}
	switch v := m["traceFlags"].(type) {
	case float64:
		tc.TraceFlags = int(v)
	case int:
		tc.TraceFlags = v
	}
	if v, ok := m["isRemote"].(bool); ok {
		tc.IsRemote = v
	}
	return tc
}

// Inject returns call metadata carrying the active span's identity, or nil
// when ctx holds no valid span context. Callers assign the result to the
// outgoing request's Params.Meta.
func Inject(ctx context.Context) *mcplib.Meta {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return &mcplib.Meta{
		AdditionalFields: map[string]any{
			MetaKey: FromSpanContext(sc).asMap(),
		},
	}
}

// Extract reads a remote parent span context out of inbound call metadata.
// Absent, foreign-typed, or malformed entries all yield ok == false.
func Extract(meta *mcplib.Meta) (trace.SpanContext, bool) {
	if meta == nil || meta.AdditionalFields == nil {
		return trace.SpanContext{}, false
	}
	raw, ok := meta.AdditionalFields[MetaKey].(map[string]any)
	if !ok {
		return trace.SpanContext{}, false
	}
	return fromMap(raw).SpanContext()
}
