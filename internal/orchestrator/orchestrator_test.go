package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dylibso/mcp-otel/internal/anthropic"
	"github.com/dylibso/mcp-otel/internal/dispatch"
	"github.com/dylibso/mcp-otel/internal/session"
	"github.com/dylibso/mcp-otel/internal/testutil"
)

// scriptedModel replays a fixed sequence of responses and records the
// transcript it was shown on each call.
type scriptedModel struct {
	responses []*anthropic.Response
	err       error
	calls     [][]anthropic.Message
	block     chan struct{} // when non-nil, each call waits here first
}

func (m *scriptedModel) Messages(ctx context.Context, system string, messages []anthropic.Message, tools []anthropic.Tool) (*anthropic.Response, error) {
	if m.block != nil {
		<-m.block
	}
	snapshot := make([]anthropic.Message, len(messages))
	copy(snapshot, messages)
	m.calls = append(m.calls, snapshot)

	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return textResponse("done"), nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

// fakeDispatcher resolves tool calls from a canned table.
type fakeDispatcher struct {
	tools      []mcplib.Tool
	results    map[string]string // tool name → payload
	failWith   error             // returned for every dispatch when set
	dispatched []dispatch.ToolCall
	closed     int
}

func (d *fakeDispatcher) ListTools(ctx context.Context) ([]mcplib.Tool, error) {
	return d.tools, nil
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, call dispatch.ToolCall) (dispatch.ToolResult, error) {
	d.dispatched = append(d.dispatched, call)
	if d.failWith != nil {
		return dispatch.ToolResult{}, d.failWith
	}
	payload, ok := d.results[call.Name]
	if !ok {
		return dispatch.ToolResult{}, fmt.Errorf("%w: %s", dispatch.ErrUnknownTool, call.Name)
	}
	return dispatch.ToolResult{ID: call.ID, Content: payload}, nil
}

func (d *fakeDispatcher) Close() error {
	d.closed++
	return nil
}

func textResponse(text string) *anthropic.Response {
	return &anthropic.Response{
		Content:    []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: text}},
		StopReason: anthropic.StopEndTurn,
	}
}

func toolUseResponse(uses ...anthropic.ContentBlock) *anthropic.Response {
	return &anthropic.Response{Content: uses, StopReason: anthropic.StopToolUse}
}

func toolUse(id, name string, args string) anthropic.ContentBlock {
	return anthropic.ContentBlock{
		Type:  anthropic.BlockToolUse,
		ID:    id,
		Name:  name,
		Input: json.RawMessage(args),
	}
}

func newTestOrchestrator(t *testing.T, model ModelCaller, tools ToolDispatcher) (*Orchestrator, *session.Session, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	sess := session.Start(context.Background(), tp.Tracer("test"), "sess-1")
	o := New(Config{
		Model:   model,
		Tools:   tools,
		Session: sess,
		Logger:  testutil.TestLogger(),
	})
	o.tracer = tp.Tracer("test")
	return o, sess, sr
}

func TestChatPlainTextTurn(t *testing.T) {
	model := &scriptedModel{responses: []*anthropic.Response{textResponse("hello there")}}
	tools := &fakeDispatcher{}
	o, sess, _ := newTestOrchestrator(t, model, tools)

	out, err := o.Chat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
	assert.Equal(t, 1, sess.TurnCount())
	assert.Empty(t, tools.dispatched)
}

func TestChatDispatchesRequestedToolsInOrder(t *testing.T) {
	// Two tool requests in one response, then one more, then the final text:
	// exactly three dispatches, in model order, before the text comes back.
	model := &scriptedModel{responses: []*anthropic.Response{
		toolUseResponse(
			toolUse("c1", "calculate", `{"operation":"add","a":2,"b":3}`),
			toolUse("c2", "calculate", `{"operation":"multiply","a":4,"b":5}`),
		),
		toolUseResponse(
			toolUse("c3", "now", `{}`),
		),
		textResponse("2+3 is 5"),
	}}
	tools := &fakeDispatcher{results: map[string]string{"calculate": "5", "now": "noon"}}
	o, _, _ := newTestOrchestrator(t, model, tools)

	out, err := o.Chat(context.Background(), "what is 2+3?")
	require.NoError(t, err)
	assert.Equal(t, "2+3 is 5", out)

	require.Len(t, tools.dispatched, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{
		tools.dispatched[0].ID, tools.dispatched[1].ID, tools.dispatched[2].ID,
	})
	assert.Equal(t, map[string]any{"operation": "add", "a": 2.0, "b": 3.0}, tools.dispatched[0].Arguments)

	// The final model call must have seen the tool results fed back.
	require.Len(t, model.calls, 3)
	last := model.calls[2]
	feedback := last[len(last)-1]
	require.Equal(t, anthropic.RoleUser, feedback.Role)
	require.Len(t, feedback.Content, 1)
	assert.Equal(t, anthropic.BlockToolResult, feedback.Content[0].Type)
	assert.Equal(t, "c3", feedback.Content[0].ToolUseID)
}

func TestChatToolFailureFailsTurnNotSession(t *testing.T) {
	model := &scriptedModel{responses: []*anthropic.Response{
		toolUseResponse(toolUse("c1", "calculate", `{"operation":"divide","a":1,"b":0}`)),
		textResponse("recovered"),
	}}
	tools := &fakeDispatcher{failWith: &dispatch.ToolError{Tool: "calculate", Message: "division by zero"}}
	o, sess, _ := newTestOrchestrator(t, model, tools)

	_, err := o.Chat(context.Background(), "divide 1 by 0")
	require.Error(t, err)
	var toolErr *dispatch.ToolError
	assert.ErrorAs(t, err, &toolErr)
	assert.Equal(t, 0, sess.TurnCount())

	// The session survives the failed turn; the next one succeeds.
	tools.failWith = nil
	out, err := o.Chat(context.Background(), "try again")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 1, sess.TurnCount())
}

func TestChatModelFailureFailsTurnNotSession(t *testing.T) {
	model := &scriptedModel{err: errors.New("anthropic: status 529: overloaded")}
	o, sess, _ := newTestOrchestrator(t, model, &fakeDispatcher{})

	_, err := o.Chat(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, 0, sess.TurnCount())

	model.err = nil
	model.responses = []*anthropic.Response{textResponse("back")}
	out, err := o.Chat(context.Background(), "hi again")
	require.NoError(t, err)
	assert.Equal(t, "back", out)
}

func TestChatRollsBackTranscriptOnFailure(t *testing.T) {
	model := &scriptedModel{err: errors.New("model down")}
	o, _, _ := newTestOrchestrator(t, model, &fakeDispatcher{})

	_, err := o.Chat(context.Background(), "lost message")
	require.Error(t, err)

	model.err = nil
	model.responses = []*anthropic.Response{textResponse("ok")}
	_, err = o.Chat(context.Background(), "kept message")
	require.NoError(t, err)

	// The second call's transcript must not contain the failed turn's input.
	last := model.calls[len(model.calls)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "kept message", last[0].Content[0].Text)
}

func TestChatUnknownToolFailsTurnNotSession(t *testing.T) {
	model := &scriptedModel{responses: []*anthropic.Response{
		toolUseResponse(toolUse("c1", "launch_rockets", `{}`)),
		textResponse("still here"),
	}}
	tools := &fakeDispatcher{results: map[string]string{"calculate": "5"}}
	o, sess, _ := newTestOrchestrator(t, model, tools)

	_, err := o.Chat(context.Background(), "do something odd")
	assert.ErrorIs(t, err, dispatch.ErrUnknownTool)

	out, err := o.Chat(context.Background(), "and now?")
	require.NoError(t, err)
	assert.Equal(t, "still here", out)
	assert.Equal(t, 1, sess.TurnCount())
}

func TestChatToolLoopExceeded(t *testing.T) {
	endless := make([]*anthropic.Response, 0, 8)
	for i := 0; i < 8; i++ {
		endless = append(endless, toolUseResponse(toolUse(fmt.Sprintf("c%d", i), "calculate", `{}`)))
	}
	model := &scriptedModel{responses: endless}
	tools := &fakeDispatcher{results: map[string]string{"calculate": "5"}}

	o, _, _ := newTestOrchestrator(t, model, tools)
	o.maxIters = 3

	_, err := o.Chat(context.Background(), "loop forever")
	require.ErrorIs(t, err, ErrToolLoopExceeded)
	assert.Len(t, tools.dispatched, 3, "one dispatch per iteration up to the cap")
}

func TestChatTurnInProgress(t *testing.T) {
	model := &scriptedModel{block: make(chan struct{}), responses: []*anthropic.Response{textResponse("slow")}}
	o, _, _ := newTestOrchestrator(t, model, &fakeDispatcher{})

	done := make(chan error, 1)
	go func() {
		_, err := o.Chat(context.Background(), "first")
		done <- err
	}()

	// Wait for the first turn to reach the model, then try a second turn.
	require.Eventually(t, func() bool { return o.inTurn.Load() }, time.Second, time.Millisecond)
	_, err := o.Chat(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	close(model.block)
	require.NoError(t, <-done)
}

func TestChatSpansJoinSessionTrace(t *testing.T) {
	model := &scriptedModel{responses: []*anthropic.Response{
		toolUseResponse(toolUse("c1", "calculate", `{"operation":"add","a":2,"b":3}`)),
		textResponse("5"),
	}}
	tools := &fakeDispatcher{results: map[string]string{"calculate": "5"}}
	o, sess, sr := newTestOrchestrator(t, model, tools)

	_, err := o.Chat(context.Background(), "what is 2+3?")
	require.NoError(t, err)
	sess.End()

	spans := sr.Ended()
	require.NotEmpty(t, spans)
	names := make(map[string]bool)
	for _, s := range spans {
		names[s.Name()] = true
		assert.Equal(t, sess.TraceID(), s.SpanContext().TraceID(),
			"span %s must share the session trace", s.Name())
	}
	assert.True(t, names["chat.turn"])
	assert.True(t, names["llm.messages"])
	assert.True(t, names["chat.session"])
}

func TestCleanupIdempotent(t *testing.T) {
	model := &scriptedModel{}
	tools := &fakeDispatcher{}
	o, _, sr := newTestOrchestrator(t, model, tools)

	o.Cleanup()
	o.Cleanup()

	assert.Equal(t, 1, tools.closed, "worker connections must close exactly once")
	require.Len(t, sr.Ended(), 1, "session root span must end exactly once")
	assert.Equal(t, "chat.session", sr.Ended()[0].Name())
}
