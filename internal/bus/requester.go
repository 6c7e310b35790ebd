package bus

import (
	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
)

// Requester is a connector view bound to one candidate (spec §4.2,
// glossary "Requester"): callers fetch a subsystem connector through it
// instead of threading the candidate through every call site, while the
// underlying connector methods still take the candidate explicitly (Go's
// lack of partial application makes a literal "same API minus one arg"
// binding require per-subsystem wrappers; storage.Bound in
// internal/connector/storage/bound.go is the pattern other subsystem
// packages follow as they need one).
type Requester struct {
	registry  *Registry
	candidate identity.AccessCandidate
}

// Bind returns the requester view for candidate.
func (r *Registry) Bind(candidate identity.AccessCandidate) Requester {
	return Requester{registry: r, candidate: candidate}
}

// User, Team, Agent mirror identity.User/Team/Agent so call sites can go
// straight from a registry to a bound requester without a separate import.
func (r *Registry) User(id string) Requester  { return r.Bind(identity.User(id)) }
func (r *Registry) Team(id string) Requester  { return r.Bind(identity.Team(id)) }
func (r *Registry) Agent(id string) Requester { return r.Bind(identity.Agent(id)) }

// Candidate returns the bound candidate.
func (req Requester) Candidate() identity.AccessCandidate { return req.candidate }

// Connector resolves the named (or default) instance for subsystem as a
// plain connector.Connector, without exposing the raw Registry to callers
// that only need one subsystem; RequesterAs returns it asserted to T.
func (req Requester) Connector(subsystem connector.Subsystem, name string) (connector.Connector, error) {
	return req.registry.Get(subsystem, name)
}

// RequesterAs resolves subsystem/name and asserts it to T, paired with the
// bound candidate, for subsystem packages that define their own
// candidate-bound wrapper type (e.g. storage.Bind(conn, candidate)).
func RequesterAs[T connector.Connector](req Requester, subsystem connector.Subsystem, name string) (T, identity.AccessCandidate, error) {
	instance, err := GetAs[T](req.registry, subsystem, name)
	return instance, req.candidate, err
}
