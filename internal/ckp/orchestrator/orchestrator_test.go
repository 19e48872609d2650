package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/ckp-orchestrator/internal/cancel"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/registry"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, runID string, step ir.Step, capability string, rendered map[string]any) (*registry.Result, error) {
	return &registry.Result{}, nil
}

const simpleProcedureDoc = `{
	"procedure_id": "greet-proc",
	"version": "1",
	"start_node_id": "n1",
	"nodes": {
		"n1": {
			"type": "sequence",
			"next_node_id": "n2",
			"steps": [
				{"step_id": "s1", "action": "set_variable", "params": {"value": "hello {{name}}"}, "output_variable": "greeting"}
			]
		},
		"n2": {
			"type": "terminate",
			"status": "success"
		}
	}
}`

func publishSimpleProcedure(t *testing.T, s *store.Store) {
	t.Helper()
	if err := s.PutProcedure(store.Procedure{
		ProcedureID: "greet-proc",
		Version:     "1",
		Document:    []byte(simpleProcedureDoc),
		Status:      store.ProcedurePublished,
	}); err != nil {
		t.Fatalf("put procedure: %v", err)
	}
}

func TestExecuteRunCompletesSimpleSequence(t *testing.T) {
	s := newTestStore(t)
	publishSimpleProcedure(t, s)

	runID, err := s.CreateRun(store.Run{
		ProcedureID: "greet-proc",
		Version:     "1",
		TriggerType: "manual",
		InputVars:   []byte(`{"name":"world"}`),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	o := New(s, noopDispatcher{}, nil, cancel.New())
	if err := o.ExecuteRun(context.Background(), runID); err != nil {
		t.Fatalf("execute run: %v", err)
	}

	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Fatalf("expected run completed, got %s (err=%s)", run.Status, run.ErrorMessage)
	}
}

const approvalProcedureDoc = `{
	"procedure_id": "approve-proc",
	"version": "1",
	"start_node_id": "wait",
	"nodes": {
		"wait": {
			"type": "human_approval",
			"prompt": "approve?",
			"on_approve": "done",
			"on_reject": "rejected",
			"expires_in_seconds": 3600
		},
		"done": {"type": "terminate", "status": "success"},
		"rejected": {"type": "terminate", "status": "failure"}
	}
}`

func TestExecuteRunPausesForApproval(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutProcedure(store.Procedure{
		ProcedureID: "approve-proc",
		Version:     "1",
		Document:    []byte(approvalProcedureDoc),
		Status:      store.ProcedurePublished,
	}); err != nil {
		t.Fatalf("put procedure: %v", err)
	}

	runID, err := s.CreateRun(store.Run{ProcedureID: "approve-proc", Version: "1", TriggerType: "manual"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	o := New(s, noopDispatcher{}, nil, cancel.New())
	if err := o.ExecuteRun(context.Background(), runID); err != nil {
		t.Fatalf("execute run: %v", err)
	}

	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunWaitingApproval {
		t.Fatalf("expected waiting_approval, got %s", run.Status)
	}
	if run.CurrentNodeID != "wait" {
		t.Fatalf("expected current node to stay at 'wait', got %q", run.CurrentNodeID)
	}

	approvals, err := s.ListApprovalsByRunAndNode(runID, "wait")
	if err != nil || len(approvals) != 1 {
		t.Fatalf("expected one approval record, got %d (err=%v)", len(approvals), err)
	}
	if _, err := s.Decide(approvals[0].ApprovalID, true, "tester"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if err := o.ExecuteRun(context.Background(), runID); err != nil {
		t.Fatalf("resume execute run: %v", err)
	}
	run, err = s.GetRun(runID)
	if err != nil {
		t.Fatalf("get run after resume: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Fatalf("expected completed after approval, got %s", run.Status)
	}
}

func TestExecuteRunCancellation(t *testing.T) {
	s := newTestStore(t)
	publishSimpleProcedure(t, s)

	runID, err := s.CreateRun(store.Run{ProcedureID: "greet-proc", Version: "1", TriggerType: "manual", InputVars: []byte(`{"name":"world"}`)})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := s.RequestCancel(runID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	o := New(s, noopDispatcher{}, nil, cancel.New())
	err = o.ExecuteRun(context.Background(), runID)
	if err == nil {
		t.Fatal("expected cancelled run to return an error")
	}

	run, gerr := s.GetRun(runID)
	if gerr != nil {
		t.Fatalf("get run: %v", gerr)
	}
	if run.Status != store.RunCancelled {
		t.Fatalf("expected cancelled status, got %s", run.Status)
	}
}
