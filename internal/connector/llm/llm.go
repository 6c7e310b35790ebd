// Package llm is the LLM Connector (component C10): a connector.Connector
// wrapping one provider backend (openai, anthropic, ollama, vertex),
// gated by the same secure-call interceptor as every other subsystem.
//
// LLM resources have no natural durable store of their own the way Storage
// paths or VectorDB namespaces do, so the resource ACL (one entry per
// model) is kept in an NKV sidecar, the same delegation pattern the
// Milvus/Weaviate/Pinecone VectorDB backends use for their descriptors.
package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/connector/nkv"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/llm"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
	"github.com/rakunlabs/at/internal/usage"
)

const aclNKVStore = "llm-acl"

// LLM is the bus-registered connector. One instance wraps exactly one
// provider backend; multiple named instances (e.g. "openai", "anthropic")
// can be registered and an agent spec picks one by name.
type LLM struct {
	model    string
	provider llm.Provider
	acl      nkv.NKV
	bus      *usage.Bus
}

// Settings configures an LLM connector instance.
type Settings struct {
	// Model is the default model name used when a request omits one, and
	// the value substituted into the "llm:<model>" resource id and the
	// USAGE:LLM event's SourceID.
	Model string
}

// New builds an LLM connector directly wrapping provider. aclStore
// supplies the NKV-backed ACL sidecar (nil disables persistence: every
// candidate gets Owner on first use, each time). usageBus defaults to
// usage.Default when nil.
func New(provider llm.Provider, aclStore nkv.NKV, usageBus *usage.Bus) *LLM {
	if usageBus == nil {
		usageBus = usage.Default
	}

	return &LLM{provider: provider, acl: aclStore, bus: usageBus}
}

// NewFactory wraps New as a connector.Factory, reading Settings.Model out
// of the registry's opaque settings map.
func NewFactory(provider llm.Provider, aclStore nkv.NKV, usageBus *usage.Bus) connector.Factory {
	return func(ctx context.Context, rawSettings map[string]any) (connector.Connector, error) {
		settings, err := parseSettings(rawSettings)
		if err != nil {
			return nil, err
		}

		l := New(provider, aclStore, usageBus)
		l.model = settings.Model
		return l, nil
	}
}

func parseSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if raw == nil {
		return s, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return s, sreerr.Wrap(sreerr.InvalidArgument, "llm settings", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, sreerr.Wrap(sreerr.InvalidArgument, "llm settings", err)
	}
	return s, nil
}

func (l *LLM) Start(context.Context) error { return nil }
func (l *LLM) Stop(context.Context) error  { return nil }

func resourceID(model string) string { return "llm:" + model }

// serializedACL is the JSON wire form persisted in the NKV sidecar; the
// ACL type itself only exposes a (hash, grants-map) pair, not bytes, so
// every connector that persists an ACL to a byte-oriented store owns this
// small envelope (storage/postgres.go does the same for its sidecar row).
type serializedACL struct {
	Hash   identity.HashAlgorithm    `json:"hash"`
	Grants map[string]map[string]int `json:"grants"`
}

// GetResourceACL returns the effective ACL for a model. Absence means the
// resource doesn't exist yet; per spec.md §4.3 that must grant Owner to the
// requesting candidate so a first call can establish ownership.
func (l *LLM) GetResourceACL(ctx context.Context, resID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	if l.acl == nil {
		return identity.OwnerACL(candidate), nil
	}

	raw, err := l.acl.Get(ctx, candidate, aclNKVStore, resID)
	if err != nil {
		if sreerr.IsNotFound(err) {
			return identity.OwnerACL(candidate), nil
		}
		return nil, err
	}
	if raw == "" {
		return identity.OwnerACL(candidate), nil
	}

	var wire serializedACL
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "decode llm acl", err)
	}
	return identity.From(wire.Hash, wire.Grants)
}

func (l *LLM) setResourceACL(ctx context.Context, candidate identity.AccessCandidate, resID string, acl *identity.ACL) error {
	if l.acl == nil {
		return nil
	}

	hash, grants := acl.Serialize()
	data, err := json.Marshal(serializedACL{Hash: hash, Grants: grants})
	if err != nil {
		return sreerr.Wrap(sreerr.BackendFailure, "encode llm acl", err)
	}

	return l.acl.Set(ctx, candidate, aclNKVStore, resID, string(data))
}

// Grant gives role/id access at level on model, creating the model's ACL
// entry if this is the first grant. The caller must already hold Owner.
func (l *LLM) Grant(ctx context.Context, candidate identity.AccessCandidate, model string, role identity.Role, id string, level identity.Level) error {
	resID := resourceID(model)

	return secure.CallVoid(ctx, l, candidate, resID, identity.LevelOwner, func(ctx context.Context) error {
		acl, err := l.GetResourceACL(ctx, resID, candidate)
		if err != nil {
			return err
		}
		acl.Grant(role, id, level)
		return l.setResourceACL(ctx, candidate, resID, acl)
	})
}

// Request performs a single non-streaming completion (spec.md §4.8
// "request"). The candidate must hold at least Read on the model resource.
func (l *LLM) Request(ctx context.Context, candidate identity.AccessCandidate, params llm.RequestParams) (*llm.Response, error) {
	model := effectiveModel(l.model, params.Model)

	return secure.Call(ctx, l, candidate, resourceID(model), identity.LevelRead, func(ctx context.Context) (*llm.Response, error) {
		resp, err := l.provider.Request(ctx, params)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "llm request", err)
		}

		l.publishUsage(model, resp.Usage, candidate)
		return resp, nil
	})
}

// StreamRequest performs a streaming completion (spec.md §4.8
// "streamRequest"), falling back to FakeStream when the wrapped provider
// has no true SSE support.
func (l *LLM) StreamRequest(ctx context.Context, candidate identity.AccessCandidate, params llm.RequestParams) (<-chan llm.StreamEvent, error) {
	model := effectiveModel(l.model, params.Model)

	return secure.Call(ctx, l, candidate, resourceID(model), identity.LevelRead, func(ctx context.Context) (<-chan llm.StreamEvent, error) {
		if sp, ok := l.provider.(llm.StreamProvider); ok {
			events, _, err := sp.StreamRequest(ctx, params)
			if err != nil {
				return nil, sreerr.Wrap(sreerr.BackendFailure, "llm stream request", err)
			}
			return l.tapUsage(events, model, candidate), nil
		}

		events, _, err := llm.FakeStream(ctx, l.provider, params)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "llm stream request", err)
		}
		return l.tapUsage(events, model, candidate), nil
	})
}

// tapUsage wraps a provider's stream, republishing every EventUsage onto
// the usage bus as it passes through. A cancelled context drains the
// upstream channel to its natural close rather than injecting an
// EventError (spec.md §5: a cancelled stream ends, it doesn't error).
func (l *LLM) tapUsage(in <-chan llm.StreamEvent, model string, candidate identity.AccessCandidate) <-chan llm.StreamEvent {
	out := make(chan llm.StreamEvent, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Kind == llm.EventUsage && ev.Usage != nil {
				l.publishUsage(model, *ev.Usage, candidate)
			}
			out <- ev
		}
	}()
	return out
}

func (l *LLM) publishUsage(model string, u llm.Usage, candidate identity.AccessCandidate) {
	if l.bus == nil {
		return
	}

	ev := usage.Event{
		SourceID:              resourceID(model),
		InputTokens:           u.PromptTokens,
		OutputTokens:          u.CompletionTokens,
		InputTokensCacheRead:  u.CacheReadTokens,
		InputTokensCacheWrite: u.CacheCreationTokens,
		KeySource:             usage.KeySourceSmyth,
	}
	switch candidate.Role {
	case identity.RoleAgent:
		ev.AgentID = candidate.ID
	case identity.RoleTeam:
		ev.TeamID = candidate.ID
	}

	l.bus.Publish(ev)
}

func effectiveModel(def, override string) string {
	if override != "" {
		return override
	}
	return def
}

// Proxy forwards a raw HTTP request to the wrapped provider's API when it
// supports passthrough.
func (l *LLM) Proxy(w http.ResponseWriter, r *http.Request, path string) error {
	p, ok := l.provider.(llm.Proxier)
	if !ok {
		return sreerr.Wrap(sreerr.Unsupported, "provider proxy", nil)
	}
	return p.Proxy(w, r, path)
}

var _ connector.Connector = (*LLM)(nil)
