package llm

import (
	"context"
	"fmt"

	"github.com/rakunlabs/at/internal/identity"
)

// Requester is the subset of the LLM connector (internal/connector/llm.LLM)
// a Conversation needs. Defined here, not imported from there, so this
// package doesn't depend on the concrete connector (internal/connector/llm
// depends on this package, not the reverse).
type Requester interface {
	Request(ctx context.Context, candidate identity.AccessCandidate, params RequestParams) (*Response, error)
	StreamRequest(ctx context.Context, candidate identity.AccessCandidate, params RequestParams) (<-chan StreamEvent, error)
}

// ILLMContextStore persists a conversation's message window keyed by id
// (spec.md §4.8 "Conversation ... optional persistent store").
type ILLMContextStore interface {
	Get(ctx context.Context, id string) ([]Message, error)
	Set(ctx context.Context, id string, window []Message) error
}

// SkillDispatcher materializes a tool_call into a result string. The Agent
// Runtime (internal/agent) implements this over its registered skill set;
// Conversation itself knows nothing about skills, only that some dispatcher
// can run one.
type SkillDispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) (string, error)
}

// Conversation wraps a Requester with a context window (spec.md §4.8).
// On tool_call, Prompt/StreamPrompt materialize the call via Dispatcher,
// append a tool-role message, and re-enter the loop until the provider
// reports FinishStop/FinishEndTurn — the generalized form of the teacher's
// Agent.Run loop in internal/service/at.go (Chat -> ToolCalls -> CallTool
// -> append tool result -> loop until Finished), driven here by a
// pluggable Dispatcher instead of one hardcoded *HTTPMCPClient.
type Conversation struct {
	ID         string
	Candidate  identity.AccessCandidate
	Connector  Requester
	Store      ILLMContextStore
	Dispatcher SkillDispatcher
	Tools      []ToolDef

	// Behavior is injected as the leading system message if non-empty
	// (spec.md §4.9: "Injects behavior as the system message if set").
	Behavior string

	Model       string
	MaxTokens   int
	Temperature float64

	window []Message
	loaded bool
}

func (c *Conversation) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	c.loaded = true

	if c.Store == nil {
		return nil
	}

	window, err := c.Store.Get(ctx, c.ID)
	if err != nil {
		return err
	}
	c.window = window
	return nil
}

func (c *Conversation) persist(ctx context.Context) error {
	if c.Store == nil {
		return nil
	}
	return c.Store.Set(ctx, c.ID, c.window)
}

// params builds the request payload from the current window. Behavior is
// injected fresh as a leading system message on every call rather than
// baked into the persisted window, so a per-prompt override
// (spec.md §4.9) only affects the call it's passed to.
func (c *Conversation) params() RequestParams {
	messages := c.window
	if c.Behavior != "" {
		messages = append([]Message{{Role: "system", Content: c.Behavior}}, c.window...)
	}
	return RequestParams{
		Model:       c.Model,
		Messages:    messages,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Tools:       c.Tools,
	}
}

// Prompt appends a user message, drives request/tool-dispatch to
// completion, and returns the final assistant content.
func (c *Conversation) Prompt(ctx context.Context, text string) (string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return "", err
	}
	c.window = append(c.window, Message{Role: "user", Content: text})

	for {
		resp, err := c.Connector.Request(ctx, c.Candidate, c.params())
		if err != nil {
			return "", err
		}

		c.window = append(c.window, assistantMessage(resp.Content, resp.ToolsData))

		if !resp.UseTool || resp.FinishReason == FinishStop || resp.FinishReason == FinishEndTurn {
			if err := c.persist(ctx); err != nil {
				return "", err
			}
			return resp.Content, nil
		}

		if err := c.dispatchToolCalls(ctx, resp.ToolsData); err != nil {
			return "", err
		}
	}
}

// StreamPrompt is Prompt but drives the loop via StreamRequest, forwarding
// every event onto the returned channel; tool_call handling happens
// transparently between provider calls, the caller only sees the public
// event kinds (Content/ToolInfo/ToolResult/Usage/End/Error).
func (c *Conversation) StreamPrompt(ctx context.Context, text string) (<-chan StreamEvent, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.window = append(c.window, Message{Role: "user", Content: text})

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)

		for {
			events, err := c.Connector.StreamRequest(ctx, c.Candidate, c.params())
			if err != nil {
				out <- StreamEvent{Kind: EventError, Err: err}
				return
			}

			var content string
			var toolCalls []ToolCall
			var finishReason string

			for ev := range events {
				switch ev.Kind {
				case EventError:
					out <- ev
					return
				case EventContent:
					content += ev.Content
				case EventToolInfo:
					toolCalls = append(toolCalls, ev.ToolCalls...)
				case EventEnd:
					finishReason = ev.FinishReason
				}
				out <- ev

				select {
				case <-ctx.Done():
					if ev.Kind != EventEnd {
						out <- StreamEvent{Kind: EventEnd, FinishReason: FinishStop}
					}
					return
				default:
				}
			}

			c.window = append(c.window, assistantMessage(content, toolCalls))

			if len(toolCalls) == 0 || finishReason == FinishStop || finishReason == FinishEndTurn {
				if err := c.persist(ctx); err != nil {
					out <- StreamEvent{Kind: EventError, Err: err}
				}
				return
			}

			if err := c.dispatchToolCallsStreaming(ctx, toolCalls, out); err != nil {
				out <- StreamEvent{Kind: EventError, Err: err}
				return
			}
		}
	}()

	return out, nil
}

func assistantMessage(content string, calls []ToolCall) Message {
	var blocks []ContentBlock
	if content != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: content})
	}
	for _, tc := range calls {
		blocks = append(blocks, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
	}
	if blocks == nil {
		return Message{Role: "assistant", Content: content}
	}
	return Message{Role: "assistant", Content: blocks}
}

func (c *Conversation) dispatchToolCalls(ctx context.Context, calls []ToolCall) error {
	if c.Dispatcher == nil {
		return fmt.Errorf("llm: tool_call received but no skill dispatcher configured")
	}

	var results []ContentBlock
	for _, tc := range calls {
		result, err := c.Dispatcher.Dispatch(ctx, tc.Name, tc.Arguments)
		if err != nil {
			result = fmt.Sprintf("error: %v", err)
		}
		results = append(results, ContentBlock{Type: "tool_result", ToolUseID: tc.ID, Name: tc.Name, Content: result})
	}

	c.window = append(c.window, Message{Role: "user", Content: results})
	return nil
}

func (c *Conversation) dispatchToolCallsStreaming(ctx context.Context, calls []ToolCall, out chan<- StreamEvent) error {
	if c.Dispatcher == nil {
		return fmt.Errorf("llm: tool_call received but no skill dispatcher configured")
	}

	var results []ContentBlock
	for _, tc := range calls {
		result, err := c.Dispatcher.Dispatch(ctx, tc.Name, tc.Arguments)
		if err != nil {
			result = fmt.Sprintf("error: %v", err)
		}
		results = append(results, ContentBlock{Type: "tool_result", ToolUseID: tc.ID, Name: tc.Name, Content: result})
		out <- StreamEvent{Kind: EventToolResult, ToolResult: &ToolResult{ToolCallID: tc.ID, Name: tc.Name, Content: result}}
	}

	c.window = append(c.window, Message{Role: "user", Content: results})
	return nil
}
