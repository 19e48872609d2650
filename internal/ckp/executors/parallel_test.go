package executors

import (
	"context"
	"testing"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

func TestParallelMergesBranchVars(t *testing.T) {
	nodes := map[string]*ir.Node{
		"branch-a": {
			ID:   "branch-a",
			Type: ir.NodeSequence,
			Payload: ir.SequencePayload{
				Steps: []ir.Step{{StepID: "a1", Action: "set_variable", Params: map[string]any{"value": "from-a"}, OutputVariable: "result_a"}},
			},
		},
		"branch-b": {
			ID:   "branch-b",
			Type: ir.NodeSequence,
			Payload: ir.SequencePayload{
				Steps: []ir.Step{{StepID: "b1", Action: "set_variable", Params: map[string]any{"value": "from-b"}, OutputVariable: "result_b"}},
			},
		},
	}

	ec := newTestContext(t, nodes)
	node := &ir.Node{
		ID:         "par1",
		Type:       ir.NodeParallel,
		NextNodeID: "after-par",
		Payload: ir.ParallelPayload{
			Branches: []ir.ParallelBranch{
				{BranchID: "a", StartNodeID: "branch-a"},
				{BranchID: "b", StartNodeID: "branch-b"},
			},
			WaitStrategy:  "all",
			BranchFailure: "fail",
		},
	}

	next, outcome, err := Parallel(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected no outcome, got %#v", outcome)
	}
	if next != "after-par" {
		t.Fatalf("unexpected next node: %q", next)
	}

	a, _ := ec.Get("result_a")
	b, _ := ec.Get("result_b")
	if a != "from-a" || b != "from-b" {
		t.Fatalf("expected both branches' vars merged, got a=%#v b=%#v", a, b)
	}

	if _, ok := ec.Get("parallel_results"); !ok {
		t.Fatal("expected parallel_results to be set")
	}
}

func TestParallelFailFastAbortsOnBranchError(t *testing.T) {
	nodes := map[string]*ir.Node{
		"ok-branch": {
			ID:   "ok-branch",
			Type: ir.NodeSequence,
			Payload: ir.SequencePayload{
				Steps: []ir.Step{{StepID: "ok1", Action: "set_variable", Params: map[string]any{"value": "fine"}, OutputVariable: "ok"}},
			},
		},
		"bad-branch": {
			ID:   "bad-branch",
			Type: ir.NodeSequence,
			Payload: ir.SequencePayload{
				Steps: []ir.Step{{StepID: "bad1", Action: "unknown-action"}},
			},
		},
	}

	ec := newTestContext(t, nodes)
	node := &ir.Node{
		ID:   "par1",
		Type: ir.NodeParallel,
		Payload: ir.ParallelPayload{
			Branches: []ir.ParallelBranch{
				{BranchID: "ok", StartNodeID: "ok-branch"},
				{BranchID: "bad", StartNodeID: "bad-branch"},
			},
			WaitStrategy:  "all",
			BranchFailure: "fail",
		},
	}

	if _, _, err := Parallel(context.Background(), ec, node); err == nil {
		t.Fatal("expected parallel to fail when a branch errors and branch_failure=fail")
	}
}

func TestParallelContinueOnBranchFailure(t *testing.T) {
	nodes := map[string]*ir.Node{
		"ok-branch": {
			ID:   "ok-branch",
			Type: ir.NodeSequence,
			Payload: ir.SequencePayload{
				Steps: []ir.Step{{StepID: "ok1", Action: "set_variable", Params: map[string]any{"value": "fine"}, OutputVariable: "ok"}},
			},
		},
		"bad-branch": {
			ID:   "bad-branch",
			Type: ir.NodeSequence,
			Payload: ir.SequencePayload{
				Steps: []ir.Step{{StepID: "bad1", Action: "unknown-action"}},
			},
		},
	}

	ec := newTestContext(t, nodes)
	node := &ir.Node{
		ID:         "par1",
		Type:       ir.NodeParallel,
		NextNodeID: "after-par",
		Payload: ir.ParallelPayload{
			Branches: []ir.ParallelBranch{
				{BranchID: "ok", StartNodeID: "ok-branch"},
				{BranchID: "bad", StartNodeID: "bad-branch"},
			},
			WaitStrategy:  "all",
			BranchFailure: "continue",
		},
	}

	next, _, err := Parallel(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("expected parallel to tolerate the failing branch, got: %v", err)
	}
	if next != "after-par" {
		t.Fatalf("unexpected next node: %q", next)
	}
	if ok, _ := ec.Get("ok"); ok != "fine" {
		t.Fatalf("expected surviving branch's var to merge, got %#v", ok)
	}
}
