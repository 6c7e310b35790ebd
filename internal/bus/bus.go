// Package bus implements the Connector Service Bus (spec §4.2): a
// process-wide registry of {subsystem -> {name -> factory}}, an instance
// cache, and lifecycle management. It is the only place concrete backends
// are selected; core code elsewhere never names a provider, only a
// subsystem.
//
// Modeled on the teacher's provider registry in its HTTP gateway
// (providers map[string]ProviderInfo guarded by providerMu, with a
// ProviderFactory injected for hot reload) generalized from a single
// "LLM provider" registry to every subsystem in §6.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/sreerr"
)

// Status is the registry's lifecycle phase.
type Status int

const (
	StatusInitializing Status = iota
	StatusReady
	StatusStopping
)

type instanceKey struct {
	subsystem connector.Subsystem
	name      string
}

// Registry is the Connector Service Bus. The zero value is not usable;
// use New.
type Registry struct {
	mu sync.RWMutex

	factories map[connector.Subsystem]map[string]connector.Factory
	instances map[connector.Subsystem]map[string]connector.Connector
	settings  map[instanceKey]string // fingerprint of the settings used at Init, for AlreadyInitialized detection
	defaults  map[connector.Subsystem]string
	order     []instanceKey // registration order, for reverse-order Stop

	status Status
}

// New returns an empty, initializing Registry.
func New() *Registry {
	return &Registry{
		factories: map[connector.Subsystem]map[string]connector.Factory{},
		instances: map[connector.Subsystem]map[string]connector.Connector{},
		settings:  map[instanceKey]string{},
		defaults:  map[connector.Subsystem]string{},
		status:    StatusInitializing,
	}
}

// Register adds a named factory for subsystem. Re-registering the same
// name is allowed (idempotent); the most recently registered factory is
// the one Init will use.
func (r *Registry) Register(subsystem connector.Subsystem, name string, factory connector.Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusInitializing {
		return sreerr.New(sreerr.ConfigurationErr, "bus: cannot register after the registry is ready")
	}

	byName := r.factories[subsystem]
	if byName == nil {
		byName = map[string]connector.Factory{}
		r.factories[subsystem] = byName
	}
	byName[name] = factory

	return nil
}

// Init builds (or returns the cached) instance for (subsystem, name),
// starts it, and sets it as the subsystem default if it is the first
// instance registered for that subsystem.
func (r *Registry) Init(ctx context.Context, subsystem connector.Subsystem, name string, settings map[string]any) (connector.Connector, error) {
	r.mu.Lock()

	if r.status != StatusInitializing {
		r.mu.Unlock()
		return nil, sreerr.New(sreerr.ConfigurationErr, "bus: cannot init after the registry is ready")
	}

	byName := r.factories[subsystem]
	factory, ok := byName[name]
	if !ok {
		r.mu.Unlock()
		return nil, sreerr.New(sreerr.ConfigurationErr, fmt.Sprintf("bus: unknown connector %s/%s", subsystem, name))
	}

	key := instanceKey{subsystem, name}
	fingerprint := fmt.Sprintf("%v", settings)

	if existing, ok := r.instances[subsystem][name]; ok {
		if r.settings[key] != fingerprint {
			r.mu.Unlock()
			return nil, sreerr.New(sreerr.Conflict, fmt.Sprintf("bus: %s/%s already initialized with different settings", subsystem, name))
		}
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	instance, err := factory(ctx, settings)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.ConfigurationErr, fmt.Sprintf("bus: build %s/%s", subsystem, name), err)
	}
	if err := instance.Start(ctx); err != nil {
		return nil, sreerr.Wrap(sreerr.ConfigurationErr, fmt.Sprintf("bus: start %s/%s", subsystem, name), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byInstance := r.instances[subsystem]
	if byInstance == nil {
		byInstance = map[string]connector.Connector{}
		r.instances[subsystem] = byInstance
	}
	byInstance[name] = instance
	r.settings[key] = fingerprint
	r.order = append(r.order, key)

	if _, hasDefault := r.defaults[subsystem]; !hasDefault {
		r.defaults[subsystem] = name
	}

	return instance, nil
}

// Ready marks the registry as serving traffic; Register/Init must not be
// called afterward (spec §5: "mutations ... MUST NOT occur after ready").
func (r *Registry) Ready() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusReady
}

// Get implements connector.Lookup: returns the named instance, or the
// subsystem default when name is empty.
func (r *Registry) Get(subsystem connector.Subsystem, name string) (connector.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaults[subsystem]
	}
	instance, ok := r.instances[subsystem][name]
	if !ok {
		return nil, sreerr.New(sreerr.ConfigurationErr, fmt.Sprintf("bus: %s/%s not initialized", subsystem, name))
	}
	return instance, nil
}

// GetAs resolves a named (or default) instance and asserts it to T.
func GetAs[T connector.Connector](r *Registry, subsystem connector.Subsystem, name string) (T, error) {
	var zero T
	instance, err := r.Get(subsystem, name)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, sreerr.New(sreerr.ConfigurationErr, fmt.Sprintf("bus: %s/%s does not implement requested type", subsystem, name))
	}
	return typed, nil
}

// Stop tears down every instance in reverse registration order. Idempotent.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.status = StatusStopping
	order := append([]instanceKey(nil), r.order...)
	r.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		r.mu.Lock()
		instance := r.instances[key.subsystem][key.name]
		delete(r.instances[key.subsystem], key.name)
		r.mu.Unlock()

		if instance == nil {
			continue
		}
		if err := instance.Stop(ctx); err != nil && firstErr == nil {
			firstErr = sreerr.Wrap(sreerr.BackendFailure, fmt.Sprintf("bus: stop %s/%s", key.subsystem, key.name), err)
		}
	}

	r.mu.Lock()
	r.order = nil
	r.mu.Unlock()

	return firstErr
}
