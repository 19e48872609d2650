package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatchAgentHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	s := newTestStore(t)
	if err := s.PutAgent(store.AgentInstance{
		AgentID:       "kubectl-1",
		Name:          "kubectl",
		Channel:       "agent_http",
		Endpoint:      srv.URL,
		Capabilities:  []byte(`["k8s.apply"]`),
		MaxConcurrent: 2,
	}); err != nil {
		t.Fatalf("put agent: %v", err)
	}

	d := NewDispatcher(s, nil)
	step := ir.Step{StepID: "s1", Action: "k8s.apply", Binding: &ir.Binding{Kind: "agent_http"}}

	res, err := d.Dispatch(context.Background(), "run-1", step, "k8s.apply", map[string]any{"manifest": "x"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	out, ok := res.Output.(map[string]any)
	if !ok || out["status"] != "ok" {
		t.Fatalf("unexpected output: %#v", res.Output)
	}
}

func TestDispatchAgentHTTPFailureOpensCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestStore(t)
	if err := s.PutAgent(store.AgentInstance{
		AgentID:       "flaky-1",
		Name:          "flaky",
		Channel:       "agent_http",
		Endpoint:      srv.URL,
		Capabilities:  []byte(`["flaky.do"]`),
		MaxConcurrent: 1,
	}); err != nil {
		t.Fatalf("put agent: %v", err)
	}

	d := NewDispatcher(s, nil)
	step := ir.Step{StepID: "s1", Action: "flaky.do", Binding: &ir.Binding{Kind: "agent_http"}}

	for i := 0; i < 5; i++ {
		if _, err := d.Dispatch(context.Background(), "run-1", step, "flaky.do", nil); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}

	open, err := s.CircuitOpen("flaky-1")
	if err != nil {
		t.Fatalf("circuit open check: %v", err)
	}
	if !open {
		t.Fatal("expected circuit to be open after repeated failures")
	}

	if _, err := d.Dispatch(context.Background(), "run-1", step, "flaky.do", nil); err == nil {
		t.Fatal("expected dispatch to short-circuit while breaker is open")
	}
}

func TestDispatchMCPToolWithoutManagerErrors(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, nil)
	step := ir.Step{StepID: "s1", Action: "search", Binding: &ir.Binding{Kind: "mcp_tool", Ref: "search-server"}}

	if _, err := d.Dispatch(context.Background(), "run-1", step, "", nil); err == nil {
		t.Fatal("expected error dispatching mcp_tool with no manager configured")
	}
}

func TestDispatchInternalActionRejected(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, nil)
	step := ir.Step{StepID: "s1", Action: "set_variable"}

	if _, err := d.Dispatch(context.Background(), "run-1", step, "", nil); err == nil {
		t.Fatal("expected internal actions to be rejected by the registry")
	}
}

func TestResolveAgentPrefersAffinity(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a1", "a2"} {
		if err := s.PutAgent(store.AgentInstance{
			AgentID:       id,
			Name:          id,
			Channel:       "agent_http",
			Endpoint:      "http://example.invalid",
			Capabilities:  []byte(`["shared.cap"]`),
			MaxConcurrent: 1,
		}); err != nil {
			t.Fatalf("put agent %s: %v", id, err)
		}
	}

	d := NewDispatcher(s, nil)
	first, err := d.resolveAgent("run-1", "node-1", "shared.cap")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := d.resolveAgent("run-1", "node-1", "shared.cap")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first != second {
		t.Fatalf("expected affinity to pin the same agent, got %s then %s", first, second)
	}
}
