// Package sre is the typed façade re-exported for embedders (the teacher's
// pkg/openai-compatible analogue: a thin, stable surface other programs
// import instead of reaching into internal/*). It wires the default
// connector factories into a fresh Connector Service Bus, drives the
// registry through the Configuration object (spec.md §6), and hands back
// typed accessors per subsystem so a host program never imports
// internal/bus or internal/connector/* directly.
package sre

import (
	"context"

	"github.com/rakunlabs/at/internal/bus"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/connector/account"
	"github.com/rakunlabs/at/internal/connector/cache"
	"github.com/rakunlabs/at/internal/connector/code"
	llmconn "github.com/rakunlabs/at/internal/connector/llm"
	"github.com/rakunlabs/at/internal/connector/nkv"
	"github.com/rakunlabs/at/internal/connector/storage"
	"github.com/rakunlabs/at/internal/connector/vault"
	"github.com/rakunlabs/at/internal/connector/vectordb"
	"github.com/rakunlabs/at/internal/identity"
)

// Runtime is the embedder-facing handle on a running bus: a bound registry
// plus the configuration it was built from.
type Runtime struct {
	Registry *bus.Registry
	Config   *config.Config
}

// Option customizes New's registry before the Configuration object's
// connectors are initialized, letting a host program register a backend
// (e.g. a live LLM provider or a non-default VectorDB embedder) this
// package has no business constructing on its own.
type Option func(*bus.Registry) error

// WithFactory registers an additional (or overriding) factory after the
// defaults are installed, so a host program can supply its own backend for
// a subsystem under a name of its choosing; reusing a default's name
// replaces that default.
func WithFactory(subsystem connector.Subsystem, name string, factory connector.Factory) Option {
	return func(r *bus.Registry) error {
		return r.Register(subsystem, name, factory)
	}
}

// New builds a Runtime: registers the default in-process/file/remote
// factories (see registerDefaults), applies opts, then Inits every entry
// of cfg.Connectors before marking the registry Ready (spec.md §5:
// "mutations MUST NOT occur after ready").
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	reg := bus.New()

	registerDefaults(reg)

	for _, opt := range opts {
		if err := opt(reg); err != nil {
			return nil, err
		}
	}

	for subsystem, cc := range cfg.Connectors {
		if _, err := reg.Init(ctx, connector.Subsystem(subsystem), cc.Connector, cc.Settings); err != nil {
			return nil, err
		}
	}

	reg.Ready()

	return &Runtime{Registry: reg, Config: cfg}, nil
}

// registerDefaults installs every backend this module ships that needs
// nothing beyond its own Settings map to construct (spec.md §6's
// Configuration object: "{Connector: <name>, Settings: <opaque>}"). Backends
// that need a pre-built dependency this package has no opinion about (a
// live LLM provider, a non-default embedder) are registered by the host
// via WithFactory instead — see cmd/sre/main.go.
func registerDefaults(reg *bus.Registry) {
	_ = reg.Register(connector.Storage, "memory", storage.NewMemory)
	_ = reg.Register(connector.Storage, "postgres", storage.NewPostgres)

	_ = reg.Register(connector.NKV, "memory", nkv.NewMemory)
	_ = reg.Register(connector.Cache, "memory", cache.NewMemory)
	_ = reg.Register(connector.Account, "memory", account.NewMemory)
	_ = reg.Register(connector.Code, "sandbox", code.NewFactory())

	embedder := vectordb.NewHashEmbedder()
	_ = reg.Register(connector.VectorDB, "ram", vectordb.NewRAMFactory(embedder, nil))
	_ = reg.Register(connector.VectorDB, "pgvector", vectordb.NewPgvector(embedder))
	_ = reg.Register(connector.VectorDB, "milvus", vectordb.NewMilvus(embedder, nil))
	_ = reg.Register(connector.VectorDB, "pinecone", vectordb.NewPinecone(embedder, nil))
	_ = reg.Register(connector.VectorDB, "weaviate", vectordb.NewWeaviate(embedder, nil))

	_ = reg.Register(connector.Vault, "file", vaultFileFactory)

	registerLLMDefaults(reg)
}

// vaultFileFactory reads "path" out of Settings at Init time, unlike
// vault.NewFileFactory (which bakes the path in at registration) — the bus
// only ever hands backends a settings map, so the façade's default vault
// entry point has to be settings-driven to fit the same Configuration
// object shape every other subsystem uses.
func vaultFileFactory(ctx context.Context, settings map[string]any) (connector.Connector, error) {
	path, _ := settings["path"].(string)
	return vault.NewFile(path, nil)
}

// Storage, Vault, Cache, NKV, VectorDB, Account, Code resolve the named (or
// default) instance for their subsystem, typed to the subsystem's
// interface, so a host program never calls bus.GetAs itself.

func (rt *Runtime) Storage(name string) (storage.Storage, error) {
	return bus.GetAs[storage.Storage](rt.Registry, connector.Storage, name)
}

func (rt *Runtime) Vault(name string) (vault.Vault, error) {
	return bus.GetAs[vault.Vault](rt.Registry, connector.Vault, name)
}

func (rt *Runtime) Cache(name string) (cache.Cache, error) {
	return bus.GetAs[cache.Cache](rt.Registry, connector.Cache, name)
}

func (rt *Runtime) NKV(name string) (nkv.NKV, error) {
	return bus.GetAs[nkv.NKV](rt.Registry, connector.NKV, name)
}

func (rt *Runtime) VectorDB(name string) (vectordb.VectorDB, error) {
	return bus.GetAs[vectordb.VectorDB](rt.Registry, connector.VectorDB, name)
}

func (rt *Runtime) Account(name string) (account.Account, error) {
	return bus.GetAs[account.Account](rt.Registry, connector.Account, name)
}

func (rt *Runtime) Code(name string) (code.Code, error) {
	return bus.GetAs[code.Code](rt.Registry, connector.Code, name)
}

func (rt *Runtime) LLM(name string) (*llmconn.LLM, error) {
	return bus.GetAs[*llmconn.LLM](rt.Registry, connector.LLM, name)
}

// As binds a candidate to the registry for call sites that want the
// generic bus.Requester view rather than one of the typed accessors above.
func (rt *Runtime) As(candidate identity.AccessCandidate) bus.Requester {
	return rt.Registry.Bind(candidate)
}

// Stop tears down every initialized connector in reverse registration order.
func (rt *Runtime) Stop(ctx context.Context) error {
	return rt.Registry.Stop(ctx)
}
