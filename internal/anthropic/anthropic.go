// Package anthropic is a minimal client for the Anthropic Messages API with
// tool use. Only what the orchestrator needs: non-streaming message creation,
// tool definitions, and tool_use/tool_result content blocks.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/dylibso/mcp-otel/internal/telemetry"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Roles and content block types used on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"

	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// ContentBlock is one typed block of a message. The populated fields depend
// on Type: text blocks carry Text; tool_use blocks carry ID, Name, Input;
// tool_result blocks carry ToolUseID, Content, IsError.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one role-tagged entry of the transcript.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Tool advertises one callable tool to the model. InputSchema marshals as a
// JSON Schema object; any value with that JSON shape works.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's reply to one Messages call.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ToolUses returns the tool-invocation-request blocks in response order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Text returns the response's text blocks concatenated in order.
func (r *Response) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolResultsMessage wraps tool results as the user-role message that feeds
// them back to the model.
func ToolResultsMessage(results []ContentBlock) Message {
	return Message{Role: RoleUser, Content: results}
}

// Client calls the Anthropic Messages API. The transcript is stateless on
// the model side, so callers resend the full message history on every call.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client

	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
}

// NewClient creates a Messages API client. baseURL may be empty for the
// public endpoint.
func NewClient(apiKey, baseURL, model string, maxTokens int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	meter := telemetry.Meter("mcp-otel/anthropic")
	in, _ := meter.Int64Counter("anthropic.input_tokens",
		metric.WithDescription("Input tokens consumed by Messages calls"))
	out, _ := meter.Int64Counter("anthropic.output_tokens",
		metric.WithDescription("Output tokens produced by Messages calls"))

	return &Client{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		maxTokens:    maxTokens,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		inputTokens:  in,
		outputTokens: out,
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
}

// Messages performs one model call with the full transcript and tool
// catalogue. Failures are not retried; the caller decides what a failed
// turn means.
func (c *Client) Messages(ctx context.Context, system string, messages []Message, tools []Tool) (*Response, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  messages,
		Tools:     tools,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, errBody)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	if c.inputTokens != nil {
		c.inputTokens.Add(ctx, int64(out.Usage.InputTokens))
		c.outputTokens.Add(ctx, int64(out.Usage.OutputTokens))
	}

	return &out, nil
}
