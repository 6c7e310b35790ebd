// Package agent implements the Agent Runtime (spec.md §4.9, C11): it binds
// a declarative agent spec (skills + model + behavior) to a live
// llm.Conversation and drives chat sessions with streaming and tool
// dispatch.
//
// Grounded on the teacher's internal/service/at.go Agent/NewAgent/Run tool
// loop (Chat -> ToolCalls -> CallTool -> append tool result -> loop until
// Finished) and internal/service/workflow/nodes/agent-call.go (agent
// spec-as-workflow-node: skills become tools, a system prompt is built from
// skill fragments, tool calls dispatch to either MCP, a skill handler, or an
// inline JS handler). Here the teacher's single embedded *HTTPMCPClient is
// generalized into the registry-resolved skill set spec.md requires, with
// single-flight dispatch per (agent, skillName, arguments-hash).
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"log/slog"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/llm"
	"github.com/rakunlabs/at/internal/render"
)

// Scope selects which candidate an agent's data-resource calls
// (agent.storage.*, agent.vectorDB.*) run under (spec.md §4.9).
type Scope int

const (
	// ScopeAgent is the default: data resources are initialized with
	// candidate = Agent(spec.ID), private to this agent.
	ScopeAgent Scope = iota
	// ScopeTeam switches the effective candidate to Team(spec.TeamID),
	// sharing data among every agent of the same team.
	ScopeTeam
)

// Skill is a named callable with an input schema and a synchronous handler,
// the Go rendering of spec.md's "async process(input, ctx)".
type Skill struct {
	Name        string
	Description string
	// Properties/Required describe the JSON-schema "parameters" object a
	// tool_call's arguments must satisfy (mirrors llm.ToolDef).
	Properties map[string]any
	Required   []string
	Handler    func(ctx context.Context, args map[string]any) (string, error)
}

func (s Skill) toolDef() llm.ToolDef {
	return llm.ToolDef{Name: s.Name, Description: s.Description, Properties: s.Properties, Required: s.Required}
}

// Spec is the declarative agent definition spec.md §4.9 names:
// {id, teamId, name, behavior, model, skills[], connections?}.
type Spec struct {
	ID       string
	TeamID   string
	Name     string
	Behavior string
	Model    string
	Skills   []Skill

	// Connections optionally overrides which named connector instance a
	// subsystem resolves to for this agent (e.g. {"VectorDB": "pinecone-prod"}).
	// Left to the caller wiring the registry; the runtime itself doesn't
	// interpret it beyond carrying it alongside the spec.
	Connections map[string]string

	// DataScope selects the candidate used for this agent's own
	// agent.storage.*/agent.vectorDB.* resources (spec.md §4.9).
	DataScope Scope
}

// Candidate returns the AccessCandidate this agent's data-resource calls
// run under, honoring DataScope.
func (s Spec) Candidate() identity.AccessCandidate {
	if s.DataScope == ScopeTeam {
		return identity.Team(s.TeamID)
	}
	return identity.Agent(s.ID)
}

// Agent binds a Spec to a live llm.Conversation, registering every skill as
// a tool and dispatching tool_calls back to the matching skill handler.
type Agent struct {
	Spec         Spec
	Conversation *llm.Conversation

	skills map[string]Skill
	group  singleflight.Group
}

// New builds an Agent for spec, wiring its skills as tools on a fresh
// Conversation against connector (the bus-registered LLM connector, or
// anything satisfying llm.Requester). store may be nil (no persistence,
// matching llm.Conversation's own nil-Store behavior).
func New(spec Spec, connector llm.Requester, store llm.ILLMContextStore) *Agent {
	skills := make(map[string]Skill, len(spec.Skills))
	tools := make([]llm.ToolDef, 0, len(spec.Skills))
	for _, sk := range spec.Skills {
		skills[sk.Name] = sk
		tools = append(tools, sk.toolDef())
	}

	a := &Agent{Spec: spec, skills: skills}
	a.Conversation = &llm.Conversation{
		ID:         spec.ID,
		Candidate:  identity.Agent(spec.ID),
		Connector:  connector,
		Store:      store,
		Dispatcher: a,
		Tools:      tools,
		Behavior:   a.renderBehavior(spec.Behavior),
		Model:      spec.Model,
	}
	return a
}

// behaviorData is the set of fields a behavior/prompt template may
// reference, e.g. "You are {{.Name}}, serving team {{.TeamID}}."
func (a *Agent) behaviorData() map[string]any {
	return map[string]any{
		"ID":     a.Spec.ID,
		"TeamID": a.Spec.TeamID,
		"Name":   a.Spec.Name,
		"Model":  a.Spec.Model,
	}
}

// renderBehavior resolves template placeholders in text against this
// agent's own fields. A template error is logged and the literal text is
// used as-is — a malformed placeholder must never block the agent from
// responding.
func (a *Agent) renderBehavior(text string) string {
	if text == "" {
		return text
	}
	rendered, err := render.Behavior(text, a.behaviorData())
	if err != nil {
		slog.Warn("agent: behavior template render failed, using literal text", "agent", a.Spec.ID, "error", err)
		return text
	}
	return rendered
}

// Dispatch implements llm.SkillDispatcher: it resolves name to a registered
// skill and single-flights identical concurrent calls (spec.md §4.9:
// "single-flight per (agent, skillName, arguments-hash) when configured").
func (a *Agent) Dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	skill, ok := a.skills[name]
	if !ok {
		return "", fmt.Errorf("agent %s: no skill registered for tool %q", a.Spec.ID, name)
	}

	key := a.Spec.ID + "/" + name + "/" + argsHash(args)

	v, err, _ := a.group.Do(key, func() (any, error) {
		return skill.Handler(ctx, args)
	})
	if err != nil {
		return "", err
	}
	result, _ := v.(string)
	return result, nil
}

// argsHash derives a stable dedup key for a skill call's arguments: the
// args map is JSON-marshalled with sorted keys, then hashed with xxhash —
// the same hashing family internal/identity/acl.go uses for ACL principal
// ids, reused here instead of pulling in a second hash dependency.
func argsHash(args map[string]any) string {
	if len(args) == 0 {
		return "_"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, args[k])
	}

	data, err := json.Marshal(ordered)
	if err != nil {
		// Fall back to the unhashed %v form rather than fail the call
		// outright; fmt prints map keys sorted, so equal args still share a key.
		return fmt.Sprintf("%v", args)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 36)
}

// Prompt appends text, runs the tool loop to completion, and returns the
// final assistant content. behaviorOverride, when non-empty, replaces the
// spec-level behavior as this call's system message only — the persisted
// conversation window and Spec.Behavior are left untouched (spec.md §4.9:
// "per-prompt behavior overrides spec-level behavior").
func (a *Agent) Prompt(ctx context.Context, text string, behaviorOverride string) (string, error) {
	if behaviorOverride == "" {
		return a.Conversation.Prompt(ctx, text)
	}

	original := a.Conversation.Behavior
	a.Conversation.Behavior = a.renderBehavior(behaviorOverride)
	defer func() { a.Conversation.Behavior = original }()

	return a.Conversation.Prompt(ctx, text)
}

// StreamPrompt is Prompt but via llm.Conversation.StreamPrompt, forwarding
// Content/ToolInfo/ToolResult/Usage/End/Error events to the caller.
func (a *Agent) StreamPrompt(ctx context.Context, text string, behaviorOverride string) (<-chan llm.StreamEvent, error) {
	if behaviorOverride == "" {
		return a.Conversation.StreamPrompt(ctx, text)
	}

	original := a.Conversation.Behavior
	a.Conversation.Behavior = a.renderBehavior(behaviorOverride)
	events, err := a.Conversation.StreamPrompt(ctx, text)
	if err != nil {
		a.Conversation.Behavior = original
		return nil, err
	}

	out := make(chan llm.StreamEvent, cap(events))
	go func() {
		defer close(out)
		for ev := range events {
			out <- ev
		}
		a.Conversation.Behavior = original
	}()
	return out, nil
}

var _ llm.SkillDispatcher = (*Agent)(nil)
