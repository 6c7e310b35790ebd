// Package anthropic is an llm.Provider/llm.StreamProvider backend for the
// Anthropic Messages API, adapted from the teacher's
// internal/service/llm/antropic package: same event-type switch over
// Anthropic's SSE stream (message_start/content_block_*/message_delta/
// message_stop), generalized onto internal/llm's tagged StreamEvent.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/at/internal/llm"
)

const DefaultBaseURL = "https://api.anthropic.com"

type Provider struct {
	APIKey string
	Model  string

	client *klient.Client
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{apiKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
		klient.WithDisableRetry(true),
	}
	if proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(klientOpts...)
	if err != nil {
		return nil, err
	}

	return &Provider{APIKey: apiKey, Model: model, client: client}, nil
}

type apiResponse struct {
	Type       string         `json:"type"`
	Error      apiError       `json:"error"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      apiUsage       `json:"usage"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *Provider) Request(ctx context.Context, params llm.RequestParams) (*llm.Response, error) {
	model := params.Model
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequestBody(model, params)
	jsonData, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result apiResponse
	var headers http.Header
	if err := p.client.Do(req, func(r *http.Response) error {
		headers = r.Header
		bodyData, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(bodyData, &result); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(bodyData))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if result.Type == "error" {
		return nil, fmt.Errorf("anthropic error: %s", result.Error.Message)
	}

	resp := &llm.Response{
		FinishReason: finishReason(result.StopReason),
		Header:       headers,
		Usage: llm.Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
	}

	for _, block := range result.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.UseTool = true
			resp.ToolsData = append(resp.ToolsData, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}

	return resp, nil
}

func finishReason(stopReason string) string {
	if stopReason == "tool_use" {
		return llm.FinishToolCalls
	}
	return llm.FinishStop
}

// ─── Streaming ───

type streamEvent struct {
	Type         string          `json:"type"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	ContentBlock *contentBlock   `json:"content_block,omitempty"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolInputDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type messageDelta struct {
	StopReason string    `json:"stop_reason"`
	Usage      *apiUsage `json:"usage,omitempty"`
}

type messageStartBody struct {
	Message *messageStartMessage `json:"message,omitempty"`
}

type messageStartMessage struct {
	Usage *apiUsage `json:"usage,omitempty"`
}

func (p *Provider) StreamRequest(ctx context.Context, params llm.RequestParams) (<-chan llm.StreamEvent, http.Header, error) {
	model := params.Model
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequestBody(model, params)
	reqBody["stream"] = true

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyData, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(bodyData))
	}

	ch := make(chan llm.StreamEvent, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var currentToolID, currentToolName string
		var toolInputBuf strings.Builder
		var usageIn, usageOut int
		finish := llm.FinishStop

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				ch <- llm.StreamEvent{Kind: llm.EventEnd, FinishReason: llm.FinishStop}
				return
			default:
			}

			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- llm.StreamEvent{Kind: llm.EventError, Err: fmt.Errorf("parse SSE event: %w", err)}
				return
			}

			switch event.Type {
			case "message_start":
				var msb messageStartBody
				if err := json.Unmarshal([]byte(data), &msb); err == nil && msb.Message != nil && msb.Message.Usage != nil {
					usageIn = msb.Message.Usage.InputTokens
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					currentToolID = event.ContentBlock.ID
					currentToolName = event.ContentBlock.Name
					toolInputBuf.Reset()
				}

			case "content_block_delta":
				if len(event.Delta) == 0 {
					continue
				}
				var td textDelta
				if err := json.Unmarshal(event.Delta, &td); err == nil && td.Type == "text_delta" {
					ch <- llm.StreamEvent{Kind: llm.EventContent, Content: td.Text}
					continue
				}
				var tid toolInputDelta
				if err := json.Unmarshal(event.Delta, &tid); err == nil && tid.Type == "input_json_delta" {
					toolInputBuf.WriteString(tid.PartialJSON)
				}

			case "content_block_stop":
				if currentToolID != "" {
					var args map[string]any
					if toolInputBuf.Len() > 0 {
						_ = json.Unmarshal([]byte(toolInputBuf.String()), &args)
					}
					ch <- llm.StreamEvent{Kind: llm.EventToolInfo, ToolCalls: []llm.ToolCall{{
						ID: currentToolID, Name: currentToolName, Arguments: args,
					}}}
					currentToolID, currentToolName = "", ""
					toolInputBuf.Reset()
				}

			case "message_delta":
				if len(event.Delta) == 0 {
					continue
				}
				var md messageDelta
				if err := json.Unmarshal(event.Delta, &md); err == nil {
					if md.Usage != nil {
						usageOut = md.Usage.OutputTokens
					}
					if md.StopReason != "" {
						finish = finishReason(md.StopReason)
					}
				}

			case "message_stop":
				ch <- llm.StreamEvent{Kind: llm.EventUsage, Usage: &llm.Usage{
					PromptTokens:     usageIn,
					CompletionTokens: usageOut,
					TotalTokens:      usageIn + usageOut,
				}}
				ch <- llm.StreamEvent{Kind: llm.EventEnd, FinishReason: finish}
				return

			case "error":
				var errMsg struct {
					Error apiError `json:"error"`
				}
				if err := json.Unmarshal([]byte(data), &errMsg); err == nil {
					ch <- llm.StreamEvent{Kind: llm.EventError, Err: fmt.Errorf("anthropic error: %s", errMsg.Error.Message)}
				} else {
					ch <- llm.StreamEvent{Kind: llm.EventError, Err: fmt.Errorf("anthropic stream error: %s", data)}
				}
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- llm.StreamEvent{Kind: llm.EventError, Err: fmt.Errorf("stream read error: %w", err)}
			return
		}
		ch <- llm.StreamEvent{Kind: llm.EventEnd, FinishReason: finish}
	}()

	return ch, resp.Header, nil
}

func (p *Provider) buildRequestBody(model string, params llm.RequestParams) map[string]any {
	tools := make([]map[string]any, len(params.Tools))
	for i, tool := range params.Tools {
		tools[i] = map[string]any{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": tool.InputSchema(),
		}
	}

	var systemPrompt string
	var filtered []llm.Message
	for _, msg := range params.Messages {
		if msg.Role == "system" {
			if s, ok := msg.Content.(string); ok {
				if systemPrompt != "" {
					systemPrompt += "\n"
				}
				systemPrompt += s
			}
			continue
		}
		filtered = append(filtered, msg)
	}

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   filtered,
	}
	if systemPrompt != "" {
		body["system"] = systemPrompt
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}

	return body
}

var (
	_ llm.Provider       = (*Provider)(nil)
	_ llm.StreamProvider = (*Provider)(nil)
)
