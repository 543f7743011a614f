// Package tracing provides the scoped span helper shared by every component.
//
// Start/status/end logic lives here once so call sites cannot leak or
// double-end a span: the span is ended exactly once on every exit path,
// and its status always reflects the wrapped operation's outcome.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithSpan runs fn inside a span named name. The span's status is set to
// Error with the failure message when fn fails, Ok otherwise, and the span
// ends on every path, including panics. fn's error is returned unchanged.
func WithSpan(ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) error, opts ...trace.SpanStartOption) error {
	ctx, span := tracer.Start(ctx, name, opts...)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// WithSpanResult is WithSpan for operations that produce a value.
// On failure the zero value is returned alongside fn's error.
func WithSpanResult[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error), opts ...trace.SpanStartOption) (T, error) {
	var out T
	err := WithSpan(ctx, tracer, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}
