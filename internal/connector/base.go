// Package connector holds the types shared by the Connector Service Bus
// (internal/bus) and every subsystem package, so subsystem connectors can
// late-bind to sibling connectors (e.g. VectorDB -> Cache, NKV) through the
// registry without importing internal/bus and creating an import cycle
// (spec §9, "Cyclic references").
package connector

import "context"

// Subsystem names one of the pluggable capability surfaces the registry
// dispatches on (spec §6).
type Subsystem string

const (
	Storage   Subsystem = "Storage"
	Vault     Subsystem = "Vault"
	Cache     Subsystem = "Cache"
	NKV       Subsystem = "NKV"
	VectorDB  Subsystem = "VectorDB"
	LLM       Subsystem = "LLM"
	Account   Subsystem = "Account"
	Code      Subsystem = "Code"
	Router    Subsystem = "Router"
	AgentData Subsystem = "AgentData"
	Log       Subsystem = "Log"
)

// Connector is the lifecycle every concrete backend implements. Start runs
// once after construction (e.g. open a DB pool, warm a watcher); Stop tears
// down in reverse registration order and must be idempotent.
type Connector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory builds a named instance of a subsystem connector from opaque
// settings (the Settings field of the Configuration object, spec §6).
type Factory func(ctx context.Context, settings map[string]any) (Connector, error)

// Lookup is the late-binding view of the registry that connectors receive
// so they can resolve sibling connectors at call time rather than holding
// direct pointers (spec §9).
type Lookup interface {
	Get(subsystem Subsystem, name string) (Connector, error)
}
