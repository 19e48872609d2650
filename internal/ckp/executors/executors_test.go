package executors

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/registry"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "executors.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeDispatcher lets tests drive agent_http/mcp_tool steps without a
// real registry.Dispatcher.
type fakeDispatcher struct {
	output any
	err    error
	calls  int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, runID string, step ir.Step, capability string, rendered map[string]any) (*registry.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &registry.Result{Output: f.output}, nil
}

func newTestContext(t *testing.T, nodes map[string]*ir.Node) *Context {
	t.Helper()
	s := newTestStore(t)
	return NewContext(s, &fakeDispatcher{}, nil, nil, nodes, "run-1", "proc-1", "v1", nil)
}

func TestRunStepSetVariable(t *testing.T) {
	ec := newTestContext(t, nil)
	step := ir.Step{StepID: "s1", Action: "set_variable", Params: map[string]any{"value": "hello"}, OutputVariable: "greeting"}

	out, err := RunStep(context.Background(), ec, "n1", step)
	if err != nil {
		t.Fatalf("run step: %v", err)
	}
	if out != "hello" {
		t.Fatalf("unexpected output: %#v", out)
	}
	v, ok := ec.Get("greeting")
	if !ok || v != "hello" {
		t.Fatalf("expected greeting var to be set, got %#v", v)
	}
}

func TestRunStepIdempotencyCacheHit(t *testing.T) {
	s := newTestStore(t)
	disp := &fakeDispatcher{output: map[string]any{"n": 1}}
	ec := NewContext(s, disp, nil, nil, nil, "run-1", "proc-1", "v1", nil)

	step := ir.Step{
		StepID:         "s1",
		Action:         "do-thing",
		Binding:        &ir.Binding{Kind: "agent_http"},
		IdempotencyKey: "fixed-key",
		OutputVariable: "result",
	}

	if _, err := RunStep(context.Background(), ec, "n1", step); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if disp.calls != 1 {
		t.Fatalf("expected 1 dispatch call, got %d", disp.calls)
	}

	if _, err := RunStep(context.Background(), ec, "n1", step); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if disp.calls != 1 {
		t.Fatalf("expected cache hit to skip dispatch, got %d calls", disp.calls)
	}
}

func TestSequenceStopsOnError(t *testing.T) {
	ec := newTestContext(t, nil)
	node := &ir.Node{
		ID:         "seq1",
		Type:       ir.NodeSequence,
		NextNodeID: "next",
		Payload: ir.SequencePayload{
			Steps: []ir.Step{
				{StepID: "bad", Action: "unknown-internal-action"},
			},
		},
	}

	if _, _, err := Sequence(context.Background(), ec, node); err == nil {
		t.Fatal("expected sequence to fail on unknown action")
	}
}

func TestLogicRoutesToMatchingRule(t *testing.T) {
	ec := newTestContext(t, nil)
	ec.Set("score", 10)
	node := &ir.Node{
		ID:   "logic1",
		Type: ir.NodeLogic,
		Payload: ir.LogicPayload{
			Rules: []ir.LogicRule{
				{ConditionExpr: "score > 5", NextNodeID: "high"},
				{ConditionExpr: "score <= 5", NextNodeID: "low"},
			},
			DefaultNextNodeID: "fallback",
		},
	}

	next, outcome, err := Logic(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("logic: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected no outcome, got %#v", outcome)
	}
	if next != "high" {
		t.Fatalf("expected routing to 'high', got %q", next)
	}
}

func TestLogicFallsBackToDefault(t *testing.T) {
	ec := newTestContext(t, nil)
	ec.Set("score", 1)
	node := &ir.Node{
		ID:   "logic1",
		Type: ir.NodeLogic,
		Payload: ir.LogicPayload{
			Rules:             []ir.LogicRule{{ConditionExpr: "score > 100", NextNodeID: "high"}},
			DefaultNextNodeID: "fallback",
		},
	}

	next, _, err := Logic(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("logic: %v", err)
	}
	if next != "fallback" {
		t.Fatalf("expected fallback routing, got %q", next)
	}
}

func TestTerminateReturnsOutcome(t *testing.T) {
	ec := newTestContext(t, nil)
	node := &ir.Node{ID: "end", Type: ir.NodeTerminate, Payload: ir.TerminatePayload{Status: "success"}}

	next, outcome, err := Terminate(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if next != "" {
		t.Fatalf("expected no next node, got %q", next)
	}
	if outcome == nil || outcome.Status != "success" {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
}

func TestVerificationFailsWorkflowOnHardCheck(t *testing.T) {
	ec := newTestContext(t, nil)
	ec.Set("replicas", 0)
	node := &ir.Node{
		ID:   "verify1",
		Type: ir.NodeVerification,
		Payload: ir.VerificationPayload{
			Checks: []ir.VerificationCheck{
				{Name: "has_replicas", ConditionExpr: "replicas > 0", OnFail: "fail_workflow"},
			},
		},
	}

	if _, _, err := Verification(context.Background(), ec, node); err == nil {
		t.Fatal("expected verification to fail the workflow")
	}
}

func TestTransformFilterAndAggregate(t *testing.T) {
	ec := newTestContext(t, nil)
	ec.Set("nums", []any{1.0, 2.0, 3.0, 4.0})
	node := &ir.Node{
		ID:         "xform1",
		Type:       ir.NodeTransform,
		NextNodeID: "after",
		Payload: ir.TransformPayload{
			Transformations: []ir.Transformation{
				{OpType: "filter", SourceVariable: "nums", Expression: "item > 2", OutputVariable: "big"},
				{OpType: "aggregate", SourceVariable: "big", Params: map[string]any{"op": "sum"}, OutputVariable: "total"},
			},
		},
	}

	next, _, err := Transform(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if next != "after" {
		t.Fatalf("unexpected next node: %q", next)
	}
	total, _ := ec.Get("total")
	if total != 7.0 {
		t.Fatalf("expected total=7, got %#v", total)
	}
}
