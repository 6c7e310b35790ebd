// Package render resolves Go-template placeholders embedded in agent
// behavior/prompt text against a small runtime data map (spec.md §4.9:
// "Injects behavior as the system message ... per-prompt behavior overrides
// spec-level behavior" — both are plain strings an agent author may want to
// parameterize with the agent's own id/team/name rather than hardcode).
//
// Adapted from the teacher's internal/render/render.go, which backs the
// workflow engine's prompt-template and http-request nodes
// (internal/service/workflow/nodes/template.go, http-request.go): same
// mugo/fstore function map and templatex.Execute call, narrowed down to the
// one exported entry point the Agent Runtime actually calls.
package render

import (
	"bytes"
	"log/slog"

	"github.com/rytsh/mugo/fstore"
	_ "github.com/rytsh/mugo/fstore/registry"
	"github.com/rytsh/mugo/templatex"
)

// Behavior renders a behavior/prompt template against data (typically a
// map of agent/team/name fields). On template error it returns the original
// text unchanged along with the error, so callers can fall back to the
// literal string rather than fail the prompt outright.
func Behavior(tmpl string, data any) (string, error) {
	t := templatex.New(
		templatex.WithAddFuncMapWithOpts(func(o templatex.Option) map[string]any {
			return fstore.FuncMap(
				fstore.WithLog(slog.Default()),
				fstore.WithTrust(true),
				fstore.WithExecuteTemplate(o.T),
			)
		}),
	)

	var buf bytes.Buffer
	if err := t.Execute(
		templatex.WithIO(&buf),
		templatex.WithContent(tmpl),
		templatex.WithData(data),
	); err != nil {
		return tmpl, err
	}

	return buf.String(), nil
}
