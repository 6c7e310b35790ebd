// Package llm is the provider-neutral request/streamRequest layer of the
// LLM Connector (component C10). Providers speak their own wire format;
// everything above this package sees only the types below.
package llm

import (
	"context"
	"net/http"
)

// Message is one turn in a context window. Content is either a string or a
// slice of ContentBlock, matching the provider payload shapes it gets
// marshalled into.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Source    *MediaSource   `json:"source,omitempty"`
}

// MediaSource is an inline or URL-referenced attachment (image, document,
// audio, video) on a ContentBlock.
type MediaSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolDef is the provider-neutral tool schema produced by
// formatToolsConfig: {name, description, properties, requiredFields}.
type ToolDef struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// InputSchema renders a ToolDef in JSON-schema form for providers that want
// a single "parameters" object rather than the split fields above.
func (t ToolDef) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": t.Properties,
		"required":   t.Required,
	}
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type Usage struct {
	PromptTokens        int
	CompletionTokens    int
	TotalTokens         int
	CacheReadTokens     int
	CacheCreationTokens int
}

// ResponseFormat constrains the shape of the model's reply.
type ResponseFormat string

const (
	ResponseFormatText ResponseFormat = "text"
	ResponseFormatJSON ResponseFormat = "json"
)

// RequestParams is the parameter set spec.md §4.8 names for request and
// streamRequest.
type RequestParams struct {
	Model            string
	Messages         []Message
	MaxTokens        int
	Temperature      float64 // default 1
	TopP             float64 // default 1
	StopSequences    []string
	PresencePenalty  float64
	FrequencyPenalty float64
	Tools            []ToolDef
	ToolChoice       string
	ResponseFormat   ResponseFormat
	Files            []File
}

// File is a binary input attached to a request. Providers that cannot
// accept binary input MUST return an error rather than silently dropping it.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// FinishReason values for Response.FinishReason / StreamEvent terminal state.
const (
	FinishStop      = "stop"
	FinishEndTurn   = "end_turn"
	FinishToolCalls = "tool_calls"
)

// Response is the result of a non-streaming request.
type Response struct {
	Content      string
	FinishReason string
	UseTool      bool
	ToolsData    []ToolCall
	Usage        Usage
	Message      Message
	Header       http.Header
}

// EventKind tags a StreamEvent the way spec.md §9 asks for: "a single
// tagged enum over one channel" rather than one channel per concern.
type EventKind int

const (
	EventContent EventKind = iota
	EventToolInfo
	EventToolResult
	EventUsage
	EventEnd
	EventError
)

// StreamEvent is the element type of the channel streamRequest returns.
// Exactly one of Content/ToolCalls/ToolResult/Usage/Err is meaningful,
// selected by Kind.
type StreamEvent struct {
	Kind EventKind

	Content      string
	ToolCalls    []ToolCall
	ToolResult   *ToolResult
	Usage        *Usage
	FinishReason string
	Err          error
}

// ToolResult carries a tool's output back onto the stream (EventToolResult)
// before the runtime re-enters awaiting_response.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
}

// Provider is the minimal surface every backend must implement: one-shot
// request/response.
type Provider interface {
	Request(ctx context.Context, params RequestParams) (*Response, error)
}

// StreamProvider is optionally implemented by providers with true
// server-sent-event streaming. Callers type-assert for it and fall back to
// fake-streaming Provider.Request's result otherwise.
type StreamProvider interface {
	StreamRequest(ctx context.Context, params RequestParams) (<-chan StreamEvent, http.Header, error)
}

// Proxier is optionally implemented by providers that can forward a raw
// HTTP request to the upstream API unmodified (used by the gateway's
// passthrough endpoints).
type Proxier interface {
	Proxy(w http.ResponseWriter, r *http.Request, path string) error
}

// FakeStream adapts a Provider to a stream by calling Request once and
// replaying its result as a single Content + Usage + End sequence. Used by
// the Conversation runtime when a provider has no StreamProvider.
func FakeStream(ctx context.Context, p Provider, params RequestParams) (<-chan StreamEvent, http.Header, error) {
	resp, err := p.Request(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamEvent, 4)
	go func() {
		defer close(ch)
		if resp.Content != "" {
			ch <- StreamEvent{Kind: EventContent, Content: resp.Content}
		}
		if len(resp.ToolsData) > 0 {
			ch <- StreamEvent{Kind: EventToolInfo, ToolCalls: resp.ToolsData}
		}
		ch <- StreamEvent{Kind: EventUsage, Usage: &resp.Usage}
		ch <- StreamEvent{Kind: EventEnd, FinishReason: resp.FinishReason}
	}()

	return ch, resp.Header, nil
}
