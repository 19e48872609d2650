package executors

import (
	"context"
	"testing"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

func TestLoopCollectsPerIterationResults(t *testing.T) {
	nodes := map[string]*ir.Node{
		"body": {
			ID:   "body",
			Type: ir.NodeSequence,
			Payload: ir.SequencePayload{
				Steps: []ir.Step{
					{StepID: "touch", Action: "set_variable", Params: map[string]any{"value": "{{current}}"}, OutputVariable: "last_seen"},
				},
			},
		},
	}

	ec := newTestContext(t, nodes)
	ec.Set("items", []any{"a", "b", "c"})

	node := &ir.Node{
		ID:         "loop1",
		Type:       ir.NodeLoop,
		NextNodeID: "after-loop",
		Payload: ir.LoopPayload{
			IteratorVar:      "items",
			IteratorVariable: "current",
			IndexVariable:    "idx",
			CollectVariable:  "visited",
			BodyNodeID:       "body",
		},
	}

	next, outcome, err := Loop(context.Background(), ec, node)
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected no outcome, got %#v", outcome)
	}
	if next != "after-loop" {
		t.Fatalf("unexpected next node: %q", next)
	}

	visited, ok := ec.Get("visited")
	if !ok {
		t.Fatal("expected visited to be set")
	}
	items, ok := visited.([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("expected 3 collected items, got %#v", visited)
	}
	if items[0] != "a" || items[2] != "c" {
		t.Fatalf("unexpected collected order: %#v", items)
	}

	idx, _ := ec.Get("idx")
	if idx != 2 {
		t.Fatalf("expected idx to end at last index 2, got %#v", idx)
	}
}

func TestLoopPropagatesBodyError(t *testing.T) {
	nodes := map[string]*ir.Node{
		"body": {
			ID:   "body",
			Type: ir.NodeSequence,
			Payload: ir.SequencePayload{
				Steps: []ir.Step{{StepID: "bad", Action: "not-a-real-action"}},
			},
		},
	}
	ec := newTestContext(t, nodes)
	ec.Set("items", []any{1.0})

	node := &ir.Node{
		ID:   "loop1",
		Type: ir.NodeLoop,
		Payload: ir.LoopPayload{
			IteratorVar: "items",
			BodyNodeID:  "body",
		},
	}

	if _, _, err := Loop(context.Background(), ec, node); err == nil {
		t.Fatal("expected loop to propagate body failure")
	}
}

func TestLoopHonorsContextCancellation(t *testing.T) {
	nodes := map[string]*ir.Node{
		"body": {ID: "body", Type: ir.NodeTerminate, Payload: ir.TerminatePayload{Status: "success"}},
	}
	ec := newTestContext(t, nodes)
	ec.Set("items", []any{1.0, 2.0, 3.0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	node := &ir.Node{
		ID:   "loop1",
		Type: ir.NodeLoop,
		Payload: ir.LoopPayload{
			IteratorVar: "items",
			BodyNodeID:  "body",
		},
	}

	if _, _, err := Loop(ctx, ec, node); err == nil {
		t.Fatal("expected cancellation to stop the loop")
	}
}
