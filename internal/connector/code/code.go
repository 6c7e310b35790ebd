// Package code implements the Code-execution connector: sandboxed shell
// command execution and sandboxed in-process JS skill handlers, gated
// through the same candidate/ACL pipeline as every other subsystem.
//
// Exec is grounded on the teacher's workflow exec node
// (internal/service/workflow/nodes/exec.go): commands run via /bin/sh -c
// under a sandbox root, with the command and working_dir used as given (no
// template resolution) and a minimal, explicit environment. Script is grounded on the teacher's goja
// VM setup (internal/service/workflow/goja.go): a fresh goja.Runtime per
// call, inputs bound as globals, a small helper surface (toString,
// jsonParse, btoa, atob). The teacher's httpGet/httpPost/... helpers are
// deliberately not carried over here: a sandboxed skill handler making
// arbitrary outbound HTTP calls defeats the point of sandboxing it, so
// network access for a skill must go through a connector (e.g. a
// registered HTTP-backed skill), not through code run by this connector.
package code

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

// ExecSpec is one sandboxed shell command request.
type ExecSpec struct {
	Command    string
	WorkingDir string
	Timeout    time.Duration
	Env        map[string]string
}

// ExecResult is the outcome of a sandboxed shell command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// DefaultTimeout and MaxTimeout mirror the teacher exec node's defaults.
const (
	DefaultTimeout = 60 * time.Second
	MaxTimeout     = 600 * time.Second
)

// Code is the subsystem contract.
type Code interface {
	connector.Connector
	secure.ACLResolver

	// Exec runs spec.Command under a per-resource sandbox directory.
	Exec(ctx context.Context, candidate identity.AccessCandidate, resourceID string, spec ExecSpec) (ExecResult, error)

	// Script evaluates source as JavaScript in a fresh goja runtime, with
	// inputs bound as globals, and returns its final expression value.
	Script(ctx context.Context, candidate identity.AccessCandidate, resourceID string, source string, inputs map[string]any) (any, error)
}

func resourceID(id string) string { return "code:" + id }

// Memory is the default Code backend: each resourceID gets its own sandbox
// directory under root and its own lazily-created owner ACL, the same
// per-resource map-of-maps shape used by internal/connector/nkv and
// internal/connector/account.
type Memory struct {
	mu   sync.RWMutex
	acls map[string]*identity.ACL
	root string
}

// Settings configures a Memory instance via the bus Factory.
type Settings struct {
	// SandboxRoot is the filesystem root every resource's sandbox is
	// created under (default: teacher's /tmp/at-sandbox equivalent).
	SandboxRoot string `json:"sandbox_root"`
}

const defaultSandboxRoot = "/tmp/sre-sandbox"

// New builds a Memory connector rooted at root (defaulted when empty).
func New(root string) *Memory {
	if root == "" {
		root = defaultSandboxRoot
	}
	return &Memory{acls: map[string]*identity.ACL{}, root: root}
}

// NewFactory adapts New to the bus's connector.Factory shape.
func NewFactory() connector.Factory {
	return func(_ context.Context, raw map[string]any) (connector.Connector, error) {
		settings, err := parseSettings(raw)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.ConfigurationErr, "code connector settings", err)
		}
		return New(settings.SandboxRoot), nil
	}
}

func parseSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if raw == nil {
		return s, nil
	}
	if v, ok := raw["sandbox_root"].(string); ok {
		s.SandboxRoot = v
	}
	return s, nil
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

// sandboxDir returns the (and creates, if missing) sandbox directory owned
// by resourceID, rooted under m.root.
func (m *Memory) sandboxDir(id string) (string, error) {
	root, err := filepath.Abs(m.root)
	if err != nil {
		return "", fmt.Errorf("code: resolve sandbox root: %w", err)
	}
	dir := filepath.Join(root, filepath.Clean(string(filepath.Separator)+id))
	if !isInsideSandbox(dir, root) {
		return "", sreerr.New(sreerr.InvalidArgument, "code: resource id escapes sandbox root")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("code: create sandbox dir: %w", err)
	}
	return dir, nil
}

func (m *Memory) Exec(ctx context.Context, candidate identity.AccessCandidate, id string, spec ExecSpec) (ExecResult, error) {
	resID := resourceID(id)
	m.ensureACL(resID, candidate)

	return secure.Call(ctx, m, candidate, resID, identity.LevelWrite, func(ctx context.Context) (ExecResult, error) {
		dir, err := m.sandboxDir(id)
		if err != nil {
			return ExecResult{}, err
		}
		if spec.WorkingDir != "" {
			sub := filepath.Join(dir, spec.WorkingDir)
			if !isInsideSandbox(sub, dir) {
				return ExecResult{}, sreerr.New(sreerr.InvalidArgument, "code: working_dir escapes sandbox")
			}
			if err := os.MkdirAll(sub, 0o755); err != nil {
				return ExecResult{}, fmt.Errorf("code: create working dir: %w", err)
			}
			dir = sub
		}
		return runShell(ctx, dir, spec)
	})
}

func (m *Memory) Script(ctx context.Context, candidate identity.AccessCandidate, id string, source string, inputs map[string]any) (any, error) {
	resID := resourceID(id)
	m.ensureACL(resID, candidate)

	return secure.Call(ctx, m, candidate, resID, identity.LevelRead, func(context.Context) (any, error) {
		return runScript(source, inputs)
	})
}

// isInsideSandbox reports whether dir is sandbox or a descendant of it.
// Both paths must already be absolute and clean.
func isInsideSandbox(dir, sandbox string) bool {
	dir = filepath.Clean(dir)
	sandbox = filepath.Clean(sandbox)
	if dir == sandbox {
		return true
	}
	return strings.HasPrefix(dir, sandbox+string(filepath.Separator))
}

var _ Code = (*Memory)(nil)
