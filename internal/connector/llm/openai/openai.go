// Package openai is an llm.Provider/llm.StreamProvider backend for
// OpenAI-compatible chat-completions APIs, adapted directly from the
// teacher's internal/service/llm/openai package: same klient-based HTTP
// client, same SSE-over-bufio.Scanner streaming loop, generalized from the
// teacher's service.Message/service.Tool/service.StreamChunk types onto
// this module's provider-neutral internal/llm equivalents.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/at/internal/llm"
)

const DefaultBaseURL = "https://api.openai.com/v1/chat/completions"

// TokenSource supplies a fresh bearer token per request, for providers
// whose credentials are short-lived (e.g. resolved from Vault per call
// instead of a static API key).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Provider struct {
	APIKey  string
	Model   string
	BaseURL string

	client      *klient.Client
	tokenSource TokenSource
}

type Option func(*Provider)

func WithTokenSource(ts TokenSource) Option {
	return func(p *Provider) { p.tokenSource = ts }
}

// New creates an OpenAI-compatible provider. extraHeaders lets
// OpenAI-compatible-but-not-identical APIs (GitHub Models, local gateways)
// set additional required headers; proxy is an optional HTTP/HTTPS/SOCKS5
// proxy URL.
func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool, extraHeaders map[string]string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}
	for k, v := range extraHeaders {
		headers[k] = []string{v}
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
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

	p := &Provider{APIKey: apiKey, Model: model, BaseURL: baseURL, client: client}
	for _, o := range opts {
		o(p)
	}

	return p, nil
}

type chatResponse struct {
	Error   *apiError `json:"error,omitempty"`
	Choices []choice  `json:"choices"`
	Usage   *apiUsage `json:"usage,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type choice struct {
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Content   string        `json:"content"`
	ToolCalls []apiToolCall `json:"tool_calls"`
}

type apiToolCall struct {
	ID       string          `json:"id"`
	Function apiFunctionCall `json:"function"`
}

type apiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (p *Provider) Request(ctx context.Context, params llm.RequestParams) (*llm.Response, error) {
	model := params.Model
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequestBody(model, params)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	if err := p.authorize(ctx, req); err != nil {
		return nil, err
	}

	var result chatResponse
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

	if result.Error != nil {
		return nil, fmt.Errorf("provider error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no response choices from provider")
	}

	c := result.Choices[0]
	resp := &llm.Response{
		Content:      c.Message.Content,
		FinishReason: finishReason(c.FinishReason),
		UseTool:      len(c.Message.ToolCalls) > 0,
		Header:       headers,
	}
	if result.Usage != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
			CacheReadTokens:  result.Usage.PromptTokensDetails.CachedTokens,
		}
	}

	for _, tc := range c.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse tool call arguments: %w", err)
			}
		}
		resp.ToolsData = append(resp.ToolsData, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return resp, nil
}

func finishReason(openaiReason string) string {
	if openaiReason == "tool_calls" {
		return llm.FinishToolCalls
	}
	return llm.FinishStop
}

// ─── Streaming ───

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content   string        `json:"content,omitempty"`
	ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
}

type streamResponse struct {
	Error   *apiError      `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
	Usage   *apiUsage      `json:"usage,omitempty"`
}

func (p *Provider) StreamRequest(ctx context.Context, params llm.RequestParams) (<-chan llm.StreamEvent, http.Header, error) {
	model := params.Model
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequestBody(model, params)
	reqBody["stream"] = true
	reqBody["stream_options"] = map[string]any{"include_usage": true}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, err
	}
	if err := p.authorize(ctx, req); err != nil {
		return nil, nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyData, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(bodyData))
	}

	ch := make(chan llm.StreamEvent, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

		finish := llm.FinishStop
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				ch <- llm.StreamEvent{Kind: llm.EventEnd, FinishReason: llm.FinishStop}
				return
			default:
			}

			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				ch <- llm.StreamEvent{Kind: llm.EventEnd, FinishReason: finish}
				return
			}

			var sr streamResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				ch <- llm.StreamEvent{Kind: llm.EventError, Err: fmt.Errorf("parse SSE chunk: %w", err)}
				return
			}
			if sr.Error != nil {
				ch <- llm.StreamEvent{Kind: llm.EventError, Err: fmt.Errorf("provider error: %s", sr.Error.Message)}
				return
			}

			if len(sr.Choices) == 0 {
				if sr.Usage != nil {
					ch <- llm.StreamEvent{Kind: llm.EventUsage, Usage: &llm.Usage{
						PromptTokens:     sr.Usage.PromptTokens,
						CompletionTokens: sr.Usage.CompletionTokens,
						TotalTokens:      sr.Usage.TotalTokens,
						CacheReadTokens:  sr.Usage.PromptTokensDetails.CachedTokens,
					}}
				}
				continue
			}

			c := sr.Choices[0]
			if c.Delta.Content != "" {
				ch <- llm.StreamEvent{Kind: llm.EventContent, Content: c.Delta.Content}
			}

			if len(c.Delta.ToolCalls) > 0 {
				var calls []llm.ToolCall
				for _, tc := range c.Delta.ToolCalls {
					var args map[string]any
					if tc.Function.Arguments != "" {
						_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
					}
					calls = append(calls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
				}
				ch <- llm.StreamEvent{Kind: llm.EventToolInfo, ToolCalls: calls}
			}

			if c.FinishReason != nil {
				finish = finishReason(*c.FinishReason)
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

func (p *Provider) Proxy(w http.ResponseWriter, r *http.Request, path string) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	baseURL := p.BaseURL
	if strings.HasSuffix(baseURL, "/chat/completions") {
		baseURL = strings.TrimSuffix(baseURL, "/chat/completions")
	}
	if strings.HasSuffix(baseURL, "/v1") && strings.HasPrefix(path, "/v1/") {
		baseURL = strings.TrimSuffix(baseURL, "/v1")
	}

	targetURL, err := url.Parse(baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL = targetURL
			req.Host = targetURL.Host
			if p.tokenSource != nil {
				if token, err := p.tokenSource.Token(req.Context()); err == nil {
					req.Header.Set("Authorization", "Bearer "+token)
				} else {
					slog.Error("failed to get auth token in proxy", "error", err)
				}
			} else if p.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+p.APIKey)
			}
		},
		Transport: p.client.HTTP.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if err == context.Canceled {
				return
			}
			slog.Error("proxy error", "error", err)
			http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
		},
	}

	ctx := klient.CtxWithRetryPolicy(r.Context(), klient.OptionRetry.WithRetryDisable())
	proxy.ServeHTTP(w, r.WithContext(ctx))
	return nil
}

func (p *Provider) authorize(ctx context.Context, req *http.Request) error {
	if p.tokenSource == nil {
		return nil
	}
	token, err := p.tokenSource.Token(ctx)
	if err != nil {
		return fmt.Errorf("get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (p *Provider) buildRequestBody(model string, params llm.RequestParams) map[string]any {
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

	reqMessages := make([]any, len(params.Messages))
	for i, msg := range params.Messages {
		if m, ok := msg.Content.(map[string]any); ok {
			reqMessages[i] = m
		} else {
			reqMessages[i] = map[string]any{"role": msg.Role, "content": msg.Content}
		}
	}

	body := map[string]any{"model": model, "messages": reqMessages}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	if params.MaxTokens > 0 {
		body["max_tokens"] = params.MaxTokens
	}
	if params.Temperature != 0 {
		body["temperature"] = params.Temperature
	}
	if params.TopP != 0 {
		body["top_p"] = params.TopP
	}
	if len(params.StopSequences) > 0 {
		body["stop"] = params.StopSequences
	}
	if params.ResponseFormat == llm.ResponseFormatJSON {
		body["response_format"] = map[string]any{"type": "json_object"}
	}

	return body
}

var (
	_ llm.Provider       = (*Provider)(nil)
	_ llm.StreamProvider = (*Provider)(nil)
	_ llm.Proxier        = (*Provider)(nil)
)
