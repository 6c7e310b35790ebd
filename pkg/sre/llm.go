package sre

import (
	"context"
	"encoding/json"

	"github.com/rakunlabs/at/internal/connector"
	llmconn "github.com/rakunlabs/at/internal/connector/llm"
	"github.com/rakunlabs/at/internal/connector/llm/anthropic"
	"github.com/rakunlabs/at/internal/connector/llm/ollama"
	"github.com/rakunlabs/at/internal/connector/llm/openai"
	"github.com/rakunlabs/at/internal/connector/llm/vertex"
	"github.com/rakunlabs/at/internal/sreerr"
	"github.com/rakunlabs/at/internal/usage"
)

// registerLLMDefaults installs the four provider backends this module
// ships: openai, anthropic and ollama, ported from the teacher's
// internal/service/llm packages, and vertex, which adapts the openai
// provider. Unlike the other subsystems, the LLM connector wraps an
// already-built llm.Provider (internal/connector/llm.New takes one as an
// argument), so each entry here first builds the provider from Settings,
// then delegates to llmconn.NewFactory for the rest — the aclStore sidecar
// is left nil (every candidate gets Owner on first use) since no NKV
// instance exists yet at registration time; a host wanting ACL persistence
// for LLM resources passes its own factory via WithFactory after
// initializing NKV.
func registerLLMDefaults(reg interface {
	Register(connector.Subsystem, string, connector.Factory) error
}) {
	_ = reg.Register(connector.LLM, "openai", openAIFactory)
	_ = reg.Register(connector.LLM, "anthropic", anthropicFactory)
	_ = reg.Register(connector.LLM, "ollama", ollamaFactory)
	_ = reg.Register(connector.LLM, "vertex", vertexFactory)
}

type openAISettings struct {
	APIKey             string
	Model              string
	BaseURL            string
	Proxy              string
	InsecureSkipVerify bool
	ExtraHeaders       map[string]string
}

func openAIFactory(ctx context.Context, raw map[string]any) (connector.Connector, error) {
	var s openAISettings
	if err := decodeSettings(raw, &s); err != nil {
		return nil, err
	}
	provider, err := openai.New(s.APIKey, s.Model, s.BaseURL, s.Proxy, s.InsecureSkipVerify, s.ExtraHeaders)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.ConfigurationErr, "llm: build openai provider", err)
	}
	return llmconn.NewFactory(provider, nil, usage.Default)(ctx, raw)
}

type anthropicSettings struct {
	APIKey             string
	Model              string
	BaseURL            string
	Proxy              string
	InsecureSkipVerify bool
}

func anthropicFactory(ctx context.Context, raw map[string]any) (connector.Connector, error) {
	var s anthropicSettings
	if err := decodeSettings(raw, &s); err != nil {
		return nil, err
	}
	provider, err := anthropic.New(s.APIKey, s.Model, s.BaseURL, s.Proxy, s.InsecureSkipVerify)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.ConfigurationErr, "llm: build anthropic provider", err)
	}
	return llmconn.NewFactory(provider, nil, usage.Default)(ctx, raw)
}

type ollamaSettings struct {
	Model string
}

func ollamaFactory(ctx context.Context, raw map[string]any) (connector.Connector, error) {
	var s ollamaSettings
	if err := decodeSettings(raw, &s); err != nil {
		return nil, err
	}
	provider := ollama.New(s.Model)
	return llmconn.NewFactory(provider, nil, usage.Default)(ctx, raw)
}

type vertexSettings struct {
	Model              string
	EndpointURL        string
	Proxy              string
	InsecureSkipVerify bool
}

func vertexFactory(ctx context.Context, raw map[string]any) (connector.Connector, error) {
	var s vertexSettings
	if err := decodeSettings(raw, &s); err != nil {
		return nil, err
	}
	provider, err := vertex.New(s.Model, s.EndpointURL, s.Proxy, s.InsecureSkipVerify)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.ConfigurationErr, "llm: build vertex provider", err)
	}
	return llmconn.NewFactory(provider, nil, usage.Default)(ctx, raw)
}

func decodeSettings(raw map[string]any, out any) error {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return sreerr.Wrap(sreerr.InvalidArgument, "connector settings", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return sreerr.Wrap(sreerr.InvalidArgument, "connector settings", err)
	}
	return nil
}
