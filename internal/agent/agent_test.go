package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/llm"
)

// fakeRequester is a minimal llm.Requester stub driven by a closure, so
// tests can script provider turns without a real backend.
type fakeRequester struct {
	request func(ctx context.Context, candidate identity.AccessCandidate, params llm.RequestParams) (*llm.Response, error)
}

func (f *fakeRequester) Request(ctx context.Context, candidate identity.AccessCandidate, params llm.RequestParams) (*llm.Response, error) {
	return f.request(ctx, candidate, params)
}

func (f *fakeRequester) StreamRequest(ctx context.Context, candidate identity.AccessCandidate, params llm.RequestParams) (<-chan llm.StreamEvent, error) {
	resp, err := f.request(ctx, candidate, params)
	if err != nil {
		return nil, err
	}
	ch, _, err := llm.FakeStream(ctx, providerFunc(func(context.Context, llm.RequestParams) (*llm.Response, error) {
		return resp, nil
	}), params)
	return ch, err
}

type providerFunc func(ctx context.Context, params llm.RequestParams) (*llm.Response, error)

func (p providerFunc) Request(ctx context.Context, params llm.RequestParams) (*llm.Response, error) {
	return p(ctx, params)
}

func systemMessage(params llm.RequestParams) string {
	if len(params.Messages) == 0 || params.Messages[0].Role != "system" {
		return ""
	}
	s, _ := params.Messages[0].Content.(string)
	return s
}

// TestPromptBehaviorOverride is spec.md S5: a per-prompt behavior overrides
// the spec-level behavior for that call only, without leaking into the
// next call.
func TestPromptBehaviorOverride(t *testing.T) {
	ctx := context.Background()

	requester := &fakeRequester{}
	requester.request = func(_ context.Context, _ identity.AccessCandidate, params llm.RequestParams) (*llm.Response, error) {
		return &llm.Response{
			Content:      systemMessage(params) + " says hi",
			FinishReason: llm.FinishStop,
		}, nil
	}

	spec := Spec{ID: "agent-1", TeamID: "team-1", Behavior: "BASE>", Model: "stub"}
	a := New(spec, requester, llm.NewMemoryStore())

	base, err := a.Prompt(ctx, "Hello", "")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if !strings.HasPrefix(base, "BASE>") {
		t.Fatalf("expected base behavior prefix, got %q", base)
	}

	override, err := a.Prompt(ctx, "Hello", "OVERRIDE>")
	if err != nil {
		t.Fatalf("Prompt with override: %v", err)
	}
	if !strings.HasPrefix(override, "OVERRIDE>") {
		t.Fatalf("expected override prefix, got %q", override)
	}
	if strings.Contains(override, "BASE>") {
		t.Fatalf("override response leaked base behavior: %q", override)
	}

	again, err := a.Prompt(ctx, "Hello", "")
	if err != nil {
		t.Fatalf("Prompt after override: %v", err)
	}
	if !strings.HasPrefix(again, "BASE>") {
		t.Fatalf("expected base behavior to resume after override, got %q", again)
	}
}

// TestBehaviorTemplate checks that Behavior text is resolved as a Go
// template against the agent's own spec fields before being injected as
// the system message.
func TestBehaviorTemplate(t *testing.T) {
	ctx := context.Background()

	requester := &fakeRequester{}
	requester.request = func(_ context.Context, _ identity.AccessCandidate, params llm.RequestParams) (*llm.Response, error) {
		return &llm.Response{
			Content:      systemMessage(params),
			FinishReason: llm.FinishStop,
		}, nil
	}

	spec := Spec{ID: "agent-42", TeamID: "team-9", Name: "Helper", Behavior: "You are {{.Name}} for team {{.TeamID}}.", Model: "stub"}
	a := New(spec, requester, llm.NewMemoryStore())

	reply, err := a.Prompt(ctx, "Hello", "")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if reply != "You are Helper for team team-9." {
		t.Fatalf("expected rendered behavior, got %q", reply)
	}
}

// TestToolLoop is spec.md S6: a skill call closes the loop and the final
// assistant content reflects the skill's result.
func TestToolLoop(t *testing.T) {
	ctx := context.Background()

	var calls int
	requester := &fakeRequester{}
	requester.request = func(_ context.Context, _ identity.AccessCandidate, params llm.RequestParams) (*llm.Response, error) {
		calls++
		if calls == 1 {
			return &llm.Response{
				UseTool:      true,
				FinishReason: llm.FinishToolCalls,
				ToolsData:    []llm.ToolCall{{ID: "call_1", Name: "get_version", Arguments: map[string]any{}}},
			}, nil
		}
		return &llm.Response{Content: "your version is v1.0.5", FinishReason: llm.FinishStop}, nil
	}

	spec := Spec{
		ID:    "agent-1",
		Model: "stub",
		Skills: []Skill{
			{
				Name:        "get_version",
				Description: "returns the running version",
				Handler: func(context.Context, map[string]any) (string, error) {
					return "v1.0.5", nil
				},
			},
		},
	}
	a := New(spec, requester, nil)

	result, err := a.Prompt(ctx, "What is your version number?", "")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if !strings.Contains(result, "v1.0.5") {
		t.Fatalf("expected result to contain v1.0.5, got %q", result)
	}
	if calls != 2 {
		t.Fatalf("expected 2 provider calls (tool round + final), got %d", calls)
	}
}

// TestDispatchSingleFlight verifies identical concurrent skill calls for
// the same agent collapse into a single handler invocation.
func TestDispatchSingleFlight(t *testing.T) {
	ctx := context.Background()

	var invocations int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	spec := Spec{
		ID: "agent-1",
		Skills: []Skill{
			{
				Name: "slow_skill",
				Handler: func(context.Context, map[string]any) (string, error) {
					atomic.AddInt32(&invocations, 1)
					started <- struct{}{}
					<-release
					return "done", nil
				},
			},
		},
	}
	a := New(spec, &fakeRequester{}, nil)

	var wg sync.WaitGroup
	results := make([]string, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := a.Dispatch(ctx, "slow_skill", map[string]any{"x": 1})
		if err != nil {
			t.Errorf("Dispatch: %v", err)
		}
		results[0] = r
	}()

	<-started // first call is now blocked inside the handler

	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := a.Dispatch(ctx, "slow_skill", map[string]any{"x": 1})
		if err != nil {
			t.Errorf("Dispatch: %v", err)
		}
		results[1] = r
	}()

	time.Sleep(10 * time.Millisecond) // let the second call join the in-flight group before unblocking it
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Fatalf("expected 1 handler invocation, got %d", got)
	}
	for _, r := range results {
		if r != "done" {
			t.Fatalf("expected both callers to get %q, got %q", "done", r)
		}
	}
}

func TestDispatchUnknownSkill(t *testing.T) {
	ctx := context.Background()
	a := New(Spec{ID: "agent-1"}, &fakeRequester{}, nil)

	if _, err := a.Dispatch(ctx, "missing", nil); err == nil {
		t.Fatalf("expected error dispatching an unregistered skill")
	}
}
