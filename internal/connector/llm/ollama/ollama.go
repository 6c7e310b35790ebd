// Package ollama is an llm.Provider backend for a local Ollama instance,
// adapted from the teacher's internal/service/llm/ollama package. The
// teacher reaches for plain net/http here too (no klient base-URL/retry
// wiring, no streaming) since Ollama runs on localhost with no auth or
// proxy concerns — this module keeps that same minimalism rather than
// adding ceremony the original didn't have.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/at/internal/llm"
)

type Provider struct {
	Model   string
	BaseURL string
}

func New(model string) *Provider {
	return &Provider{Model: model, BaseURL: "http://localhost:11434/api/chat"}
}

func (p *Provider) Request(ctx context.Context, params llm.RequestParams) (*llm.Response, error) {
	model := params.Model
	if model == "" {
		model = p.Model
	}

	tools := make([]map[string]any, len(params.Tools))
	for i, tool := range params.Tools {
		tools[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.InputSchema(),
			},
		}
	}

	reqBody := map[string]any{
		"model":    model,
		"messages": params.Messages,
		"stream":   false,
	}
	if len(tools) > 0 {
		reqBody["tools"] = tools
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	llmResp := &llm.Response{
		Content:      result.Message.Content,
		FinishReason: llm.FinishStop,
		Header:       resp.Header,
	}
	if len(result.Message.ToolCalls) > 0 {
		llmResp.UseTool = true
		llmResp.FinishReason = llm.FinishToolCalls
	}

	for i, tc := range result.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		llmResp.ToolsData = append(llmResp.ToolsData, llm.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return llmResp, nil
}

var _ llm.Provider = (*Provider)(nil)
