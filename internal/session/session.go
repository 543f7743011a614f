// Package session owns the long-lived root span for one chat session.
//
// Every span created while the session is active descends from its root
// span and therefore shares its trace ID, across both the host process and
// the workers it calls into. The root span is exclusively owned here: only
// RecordTurn mutates its attributes after creation, and End closes it
// exactly once.
package session

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// transcriptEntryLimit caps each history entry in the root span's transcript
// summary attribute so a long session doesn't bloat exported spans.
const transcriptEntryLimit = 120

// Exchange is one completed turn: the user's input and the final output.
type Exchange struct {
	Input  string
	Output string
}

// Session holds one root span and the conversation history recorded under it.
type Session struct {
	id   string
	root trace.Span

	mu      sync.Mutex
	history []Exchange
	ended   bool
}

// Start creates the session root span and returns the session that owns it.
func Start(ctx context.Context, tracer trace.Tracer, sessionID string) *Session {
	_, root := tracer.Start(ctx, "chat.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("session.turns", 0),
		),
	)
	return &Session{id: sessionID, root: root}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// TraceID returns the trace all session spans belong to.
func (s *Session) TraceID() trace.TraceID {
	return s.root.SpanContext().TraceID()
}

// Attach returns ctx with the session root installed as the active span, so
// spans started from the result join the session trace while keeping the
// caller's cancellation.
func (s *Session) Attach(ctx context.Context) context.Context {
	return trace.ContextWithSpan(ctx, s.root)
}

// RecordTurn appends a completed exchange and refreshes the root span's turn
// count and transcript summary. No-op after End.
func (s *Session) RecordTurn(input, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.history = append(s.history, Exchange{Input: input, Output: output})
	s.root.SetAttributes(
		attribute.Int("session.turns", len(s.history)),
		attribute.String("session.transcript", s.summaryLocked()),
	)
}

// TurnCount returns the number of completed turns.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// History returns a copy of the completed exchanges.
func (s *Session) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// End closes the session: root span status Ok, ended once. Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.root.SetStatus(codes.Ok, "")
	s.root.End()
}

func (s *Session) summaryLocked() string {
	var b strings.Builder
	for _, e := range s.history {
		b.WriteString("user: ")
		b.WriteString(truncate(e.Input))
		b.WriteString("\nassistant: ")
		b.WriteString(truncate(e.Output))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string) string {
	if len(s) <= transcriptEntryLimit {
		return s
	}
	return s[:transcriptEntryLimit] + "..."
}
