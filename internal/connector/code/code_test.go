package code

import (
	"context"
	"strings"
	"testing"

	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/sreerr"
)

func newTestCode(t *testing.T) *Memory {
	t.Helper()
	return New(t.TempDir())
}

func TestExecRunsUnderSandbox(t *testing.T) {
	ctx := context.Background()
	c := newTestCode(t)
	alice := identity.User("alice")

	res, err := c.Exec(ctx, alice, "job1", ExecSpec{Command: "pwd && echo hello"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Fatalf("expected stdout to contain hello, got %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, c.root) {
		t.Fatalf("expected command to run inside sandbox root %q, got pwd=%q", c.root, res.Stdout)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	ctx := context.Background()
	c := newTestCode(t)
	alice := identity.User("alice")

	res, err := c.Exec(ctx, alice, "job1", ExecSpec{Command: "exit 3"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestExecDeniesOtherCandidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCode(t)
	alice := identity.User("alice")
	bob := identity.User("bob")

	if _, err := c.Exec(ctx, alice, "job1", ExecSpec{Command: "true"}); err != nil {
		t.Fatalf("Exec(alice): %v", err)
	}
	if _, err := c.Exec(ctx, bob, "job1", ExecSpec{Command: "true"}); !sreerr.IsAccessDenied(err) {
		t.Fatalf("expected access denied for bob, got %v", err)
	}
}

func TestExecRejectsWorkingDirEscape(t *testing.T) {
	ctx := context.Background()
	c := newTestCode(t)
	alice := identity.User("alice")

	_, err := c.Exec(ctx, alice, "job1", ExecSpec{Command: "true", WorkingDir: "../../etc"})
	if !sreerr.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestScriptEvaluatesExpression(t *testing.T) {
	ctx := context.Background()
	c := newTestCode(t)
	alice := identity.User("alice")

	result, err := c.Script(ctx, alice, "skill1", "a + b", map[string]any{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("Script: %v", err)
	}
	n, ok := result.(int64)
	if !ok || n != 5 {
		t.Fatalf("expected int64(5), got %#v", result)
	}
}

func TestScriptHasNoHTTPHelpers(t *testing.T) {
	ctx := context.Background()
	c := newTestCode(t)
	alice := identity.User("alice")

	_, err := c.Script(ctx, alice, "skill1", "typeof httpGet", nil)
	if err != nil {
		t.Fatalf("Script: %v", err)
	}

	result, err := c.Script(ctx, alice, "skill1", "typeof httpGet === 'undefined'", nil)
	if err != nil {
		t.Fatalf("Script: %v", err)
	}
	if b, ok := result.(bool); !ok || !b {
		t.Fatalf("expected httpGet to be undefined in the sandboxed runtime, got %#v", result)
	}
}

func TestScriptPanicBecomesError(t *testing.T) {
	ctx := context.Background()
	c := newTestCode(t)
	alice := identity.User("alice")

	if _, err := c.Script(ctx, alice, "skill1", "jsonParse(42)", nil); err == nil {
		t.Fatalf("expected error for jsonParse on a non-string/bytes value")
	}
}
