package agent

import (
	"context"

	"github.com/rakunlabs/at/pkg/mcp"
)

// RegisterMCPTools exposes every skill on a as an MCP tool on m, so an
// external MCP client can call the same handlers an LLM tool_call would
// dispatch to. This is the generalization of the teacher's single
// hardcoded HTTPMCPClient into this runtime's registry-resolved skill
// set, run in the opposite direction: instead of the agent consuming an
// external MCP server's tools, the agent's own skills become one.
func (a *Agent) RegisterMCPTools(m *mcp.MCP) {
	for _, sk := range a.Spec.Skills {
		skill := sk
		m.Tools.Add(mcp.Tool{
			Name:        skill.Name,
			Description: skill.Description,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": skill.Properties,
				"required":   skill.Required,
			},
		}, func(args map[string]any) (any, error) {
			return a.Dispatch(context.Background(), skill.Name, args)
		})
	}
}
