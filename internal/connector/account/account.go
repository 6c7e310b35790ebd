// Package account implements the Account Connector (spec.md §2, C5): maps
// an AccessCandidate to a team id and supplies per-team settings (e.g.
// custom LLM model definitions a team has configured).
//
// There is no direct teacher analog for "candidate -> team" membership (the
// teacher is single-tenant); this follows the structural shape the pack
// already uses for other small keyed stores — internal/connector/nkv's
// single-mutex map-of-maps — narrowed to the two tables Account needs
// (membership, team settings) instead of NKV's fully generic one.
package account

import (
	"context"
	"sync"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

// Account is the subsystem contract.
type Account interface {
	connector.Connector
	secure.ACLResolver

	// TeamOf returns the team id a candidate belongs to. Users and agents
	// are mapped explicitly; a Team candidate maps to itself.
	TeamOf(ctx context.Context, candidate identity.AccessCandidate) (string, error)

	// SetTeamOf assigns candidate to teamID; requires Owner on the
	// candidate's own membership resource (an admin operation in practice).
	SetTeamOf(ctx context.Context, candidate identity.AccessCandidate, teamID string) error

	// TeamSettings returns the arbitrary settings blob for teamID (e.g.
	// {"llm": {"default_model": "gpt-4o", "custom_models": [...]}}).
	TeamSettings(ctx context.Context, candidate identity.AccessCandidate, teamID string) (map[string]any, error)

	// SetTeamSettings replaces teamID's settings blob.
	SetTeamSettings(ctx context.Context, candidate identity.AccessCandidate, teamID string, settings map[string]any) error
}

func membershipResource(candidate identity.AccessCandidate) string {
	return "account:membership:" + candidate.String()
}

func settingsResource(teamID string) string { return "account:team:" + teamID }

// Memory is the default in-process Account backend.
type Memory struct {
	mu       sync.RWMutex
	teamOf   map[string]string
	settings map[string]map[string]any
	acls     map[string]*identity.ACL
}

func NewMemory(context.Context, map[string]any) (connector.Connector, error) {
	return &Memory{
		teamOf:   map[string]string{},
		settings: map[string]map[string]any{},
		acls:     map[string]*identity.ACL{},
	}, nil
}

func (m *Memory) Start(context.Context) error { return nil }
func (m *Memory) Stop(context.Context) error  { return nil }

func (m *Memory) GetResourceACL(_ context.Context, resID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	m.mu.RLock()
	acl, ok := m.acls[resID]
	m.mu.RUnlock()
	if ok {
		return acl, nil
	}
	return identity.OwnerACL(candidate), nil
}

func (m *Memory) ensureACL(resID string, candidate identity.AccessCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.acls[resID]; !ok {
		m.acls[resID] = identity.OwnerACL(candidate)
	}
}

func (m *Memory) TeamOf(ctx context.Context, candidate identity.AccessCandidate) (string, error) {
	if candidate.Role == identity.RoleTeam {
		return candidate.ID, nil
	}

	resID := membershipResource(candidate)
	m.ensureACL(resID, candidate)

	return secure.Call(ctx, m, candidate, resID, identity.LevelRead, func(context.Context) (string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		teamID, ok := m.teamOf[candidate.String()]
		if !ok {
			return "", sreerr.Wrap(sreerr.NotFound, "account membership for "+candidate.String(), nil)
		}
		return teamID, nil
	})
}

func (m *Memory) SetTeamOf(ctx context.Context, candidate identity.AccessCandidate, teamID string) error {
	resID := membershipResource(candidate)
	m.ensureACL(resID, candidate)

	return secure.CallVoid(ctx, m, candidate, resID, identity.LevelOwner, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.teamOf[candidate.String()] = teamID
		return nil
	})
}

func (m *Memory) TeamSettings(ctx context.Context, candidate identity.AccessCandidate, teamID string) (map[string]any, error) {
	resID := settingsResource(teamID)
	m.ensureACL(resID, candidate)

	return secure.Call(ctx, m, candidate, resID, identity.LevelRead, func(context.Context) (map[string]any, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		settings, ok := m.settings[teamID]
		if !ok {
			return map[string]any{}, nil
		}
		out := make(map[string]any, len(settings))
		for k, v := range settings {
			out[k] = v
		}
		return out, nil
	})
}

func (m *Memory) SetTeamSettings(ctx context.Context, candidate identity.AccessCandidate, teamID string, settings map[string]any) error {
	resID := settingsResource(teamID)
	m.ensureACL(resID, candidate)

	return secure.CallVoid(ctx, m, candidate, resID, identity.LevelWrite, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.settings[teamID] = settings
		return nil
	})
}

var _ Account = (*Memory)(nil)
