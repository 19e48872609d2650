package executors

import (
	"context"
	"fmt"
	"testing"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

type fakeSubflowRunner struct {
	output map[string]any
	err    error
	gotIn  map[string]any
}

func (f *fakeSubflowRunner) RunSubflow(ctx context.Context, parentRunID, nodeID, procedureID, version string, inputVars map[string]any) (map[string]any, error) {
	f.gotIn = inputVars
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func TestSubflowMapsInputsAndOutputs(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeSubflowRunner{output: map[string]any{"child_status": "ok"}}
	ec := NewContext(s, &fakeDispatcher{}, nil, runner, nil, "run-1", "proc-1", "v1", nil)
	ec.Set("env", "prod")

	node := &ir.Node{
		ID:         "sub1",
		Type:       ir.NodeSubflow,
		NextNodeID: "after-sub",
		Payload: ir.SubflowPayload{
			ProcedureID:   "child-proc",
			Version:       "v2",
			InputMapping:  map[string]any{"target_env": "{{env}}"},
			OutputMapping: map[string]string{"parent_status": "child_status"},
		},
	}

	next, outcome, err := Subflow(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("subflow: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected no outcome, got %#v", outcome)
	}
	if next != "after-sub" {
		t.Fatalf("unexpected next node: %q", next)
	}
	if runner.gotIn["target_env"] != "prod" {
		t.Fatalf("expected input mapping to render env, got %#v", runner.gotIn)
	}
	if v, _ := ec.Get("parent_status"); v != "ok" {
		t.Fatalf("expected output mapping to copy child_status, got %#v", v)
	}
}

func TestSubflowOnFailureContinue(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeSubflowRunner{err: fmt.Errorf("child run failed")}
	ec := NewContext(s, &fakeDispatcher{}, nil, runner, nil, "run-1", "proc-1", "v1", nil)

	node := &ir.Node{
		ID:         "sub1",
		Type:       ir.NodeSubflow,
		NextNodeID: "after-sub",
		Payload: ir.SubflowPayload{
			ProcedureID: "child-proc",
			OnFailure:   "continue",
		},
	}

	next, _, err := Subflow(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("expected on_failure=continue to swallow the error, got: %v", err)
	}
	if next != "after-sub" {
		t.Fatalf("unexpected next node: %q", next)
	}
	if msg, _ := ec.Get("subflow_error"); msg != "child run failed" {
		t.Fatalf("expected subflow_error to be recorded, got %#v", msg)
	}
}

func TestSubflowOnFailureAbortsByDefault(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeSubflowRunner{err: fmt.Errorf("boom")}
	ec := NewContext(s, &fakeDispatcher{}, nil, runner, nil, "run-1", "proc-1", "v1", nil)

	node := &ir.Node{
		ID:   "sub1",
		Type: ir.NodeSubflow,
		Payload: ir.SubflowPayload{
			ProcedureID: "child-proc",
		},
	}

	if _, _, err := Subflow(context.Background(), ec, node); err == nil {
		t.Fatal("expected subflow failure to propagate by default")
	}
}
