// Package orchestrator owns the one thing executors deliberately don't:
// walking a procedure's compiled node graph from a run's current node to
// a terminal outcome, persisting the run's state at every hop so a
// crash or a human_approval pause resumes exactly where it left off.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/ckp-orchestrator/internal/cancel"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/executors"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/llm"
	"github.com/marcus-qen/ckp-orchestrator/internal/metrics"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// maxRunHops bounds a single ExecuteRun call's node walk. A procedure
// with a routing bug (a logic node that loops back on itself with no
// terminate reachable) fails loudly instead of a worker spinning on one
// run forever.
const maxRunHops = 1000

// ErrCancelled is returned when a run observes its own cancellation flag
// mid-walk.
var ErrCancelled = errors.New("run cancelled")

// Orchestrator drives runs through their compiled procedure graphs.
type Orchestrator struct {
	Store    *store.Store
	Dispatch executors.Dispatcher
	LLM      *llm.Client
	Cancel   *cancel.Registry
}

// New constructs an Orchestrator. llmClient may be nil for deployments
// with no llm_action nodes in their procedures.
func New(s *store.Store, d executors.Dispatcher, llmClient *llm.Client, cancelReg *cancel.Registry) *Orchestrator {
	return &Orchestrator{Store: s, Dispatch: d, LLM: llmClient, Cancel: cancelReg}
}

// ExecuteRun advances a run from its current node (its start node, on a
// fresh run) through the graph until it terminates, pauses for human
// approval, or fails. It is safe to call again on the same run after a
// pause or a crash: CurrentNodeID and VarsSnapshot make every hop
// resumable.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string) error {
	run, err := o.Store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	procRow, err := o.Store.GetProcedure(run.ProcedureID, run.Version)
	if err != nil {
		return fmt.Errorf("load procedure %s@%s: %w", run.ProcedureID, run.Version, err)
	}
	proc, err := ir.Parse(procRow.Document)
	if err != nil {
		return fmt.Errorf("parse procedure %s@%s: %w", run.ProcedureID, run.Version, err)
	}

	startNodeID := run.CurrentNodeID
	if startNodeID == "" {
		startNodeID = proc.StartNodeID
	}

	vars, err := loadVars(run)
	if err != nil {
		return fmt.Errorf("load run %s vars: %w", runID, err)
	}

	fresh := run.StartedAt == nil
	if fresh {
		now := store.Now()
		run.StartedAt = &now
		metrics.RecordRunStarted(run.ProcedureID, run.TriggerType)
	}
	run.Status = store.RunRunning
	if err := o.Store.UpdateRunState(*run); err != nil {
		return fmt.Errorf("mark run %s running: %w", runID, err)
	}

	ec := executors.NewContext(o.Store, o.Dispatch, o.LLM, o.subflowRunner(), proc.Nodes, runID, run.ProcedureID, run.Version, vars)
	ec.WithGlobalConfig(proc.GlobalConfig)

	if fresh {
		_ = o.Store.RecordEvent(store.RunEvent{RunID: runID, EventType: store.EventExecutionStarted, NodeID: startNodeID})
	}

	nodeID := startNodeID
	var finalErr error
	var outcome *executors.Outcome

hops:
	for hops := 0; ; hops++ {
		if hops >= maxRunHops {
			finalErr = fmt.Errorf("run %s exceeded %d node hops", runID, maxRunHops)
			break
		}
		if nodeID == "" {
			break
		}

		if cancelled, cerr := o.observeCancellation(runID); cerr != nil {
			finalErr = cerr
			break
		} else if cancelled {
			finalErr = ErrCancelled
			break
		}

		node, ok := proc.Nodes[nodeID]
		if !ok {
			finalErr = fmt.Errorf("run %s: unknown node %q", runID, nodeID)
			break
		}

		next, out, err := executors.ExecuteNode(ctx, ec, node)
		if err != nil {
			if errors.Is(err, executors.ErrAwaitingApproval) {
				run.CurrentNodeID = nodeID
				run.Status = store.RunWaitingApproval
				run.VarsSnapshot = snapshotJSON(ec)
				return o.Store.UpdateRunState(*run)
			}
			finalErr = err
			break hops
		}

		run.CurrentNodeID = next
		run.VarsSnapshot = snapshotJSON(ec)
		if err := o.Store.UpdateRunState(*run); err != nil {
			finalErr = fmt.Errorf("persist run %s progress at node %s: %w", runID, nodeID, err)
			break
		}
		if node.Checkpoint {
			_ = o.Store.RecordEvent(store.RunEvent{RunID: runID, EventType: store.EventCheckpointSaved, NodeID: nodeID})
		}

		if out != nil {
			outcome = out
			break
		}
		nodeID = next
	}

	return o.finish(run, outcome, finalErr)
}

func (o *Orchestrator) finish(run *store.Run, outcome *executors.Outcome, runErr error) error {
	now := store.Now()
	run.EndedAt = &now

	switch {
	case errors.Is(runErr, ErrCancelled):
		run.Status = store.RunCancelled
	case runErr != nil:
		run.Status = store.RunFailed
		run.ErrorMessage = runErr.Error()
	case outcome != nil && outcome.Status == "failure":
		run.Status = store.RunFailed
		run.ErrorMessage = outcome.Message
	default:
		run.Status = store.RunCompleted
	}

	var duration time.Duration
	if run.StartedAt != nil {
		duration = run.EndedAt.Sub(*run.StartedAt)
	}
	metrics.RecordRunCompleted(run.ProcedureID, string(run.Status), duration)

	if run.Status == store.RunCompleted {
		_ = o.Store.RecordEvent(store.RunEvent{RunID: run.RunID, EventType: store.EventRunCompleted})
	} else if run.Status == store.RunFailed {
		payload, _ := json.Marshal(map[string]string{"error": run.ErrorMessage})
		_ = o.Store.RecordEvent(store.RunEvent{RunID: run.RunID, EventType: store.EventRunFailed, Payload: payload})
	}

	if err := o.Store.UpdateRunState(*run); err != nil {
		return fmt.Errorf("persist final state for run %s: %w", run.RunID, err)
	}
	return runErr
}

// observeCancellation checks both the fast in-process cancel registry
// and the durable DB flag, so a cancel request reaches a run regardless
// of which worker process owns it.
func (o *Orchestrator) observeCancellation(runID string) (bool, error) {
	if o.Cancel != nil && o.Cancel.IsCancelled(runID) {
		return true, nil
	}
	flagged, err := o.Store.IsCancelRequested(runID)
	if err != nil {
		return false, fmt.Errorf("check cancel flag for run %s: %w", runID, err)
	}
	return flagged, nil
}

func loadVars(run *store.Run) (map[string]any, error) {
	raw := run.VarsSnapshot
	if len(raw) == 0 {
		raw = run.InputVars
	}
	vars := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &vars); err != nil {
			return nil, err
		}
	}
	var input map[string]any
	if len(run.InputVars) > 0 {
		_ = json.Unmarshal(run.InputVars, &input)
	}
	vars["run_id"] = run.RunID
	vars["procedure_id"] = run.ProcedureID
	vars["trigger_type"] = run.TriggerType
	vars["triggered_by"] = run.TriggeredBy
	for k, v := range input {
		if _, exists := vars[k]; !exists {
			vars[k] = v
		}
	}
	return vars, nil
}

func snapshotJSON(ec *executors.Context) []byte {
	b, err := json.Marshal(ec.Snapshot())
	if err != nil {
		return []byte("{}")
	}
	return b
}
