package executors

import (
	"context"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/template"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// Subflow runs a child procedure as a nested run, mapping InputMapping
// entries (rendered against the parent's vars) into its input vars, and
// OutputMapping entries from its result back into the parent's.
// OnFailure decides whether a failed child run aborts this one or is
// swallowed and routed past.
func Subflow(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.SubflowPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a subflow payload", node.ID)
	}
	if ec.Subflow == nil {
		return "", nil, fmt.Errorf("node %s: no subflow runner configured", node.ID)
	}

	vars := ec.Snapshot()
	input := make(map[string]any, len(payload.InputMapping))
	if payload.InheritContext {
		for k, v := range vars {
			input[k] = v
		}
	}
	for k, expr := range payload.InputMapping {
		input[k] = template.RenderValue(expr, vars)
	}

	ec.emitEvent(node.ID, "", store.EventSubflowStarted, map[string]any{"procedure_id": payload.ProcedureID, "version": payload.Version})

	output, err := ec.Subflow.RunSubflow(ctx, ec.RunID, node.ID, payload.ProcedureID, payload.Version, input)
	if err != nil {
		if payload.OnFailure == "continue" {
			ec.Set("subflow_error", err.Error())
			return payload.NextNodeID, nil, nil
		}
		return "", nil, fmt.Errorf("node %s: subflow %s: %w", node.ID, payload.ProcedureID, err)
	}

	for parentVar, childVar := range payload.OutputMapping {
		if v, ok := template.Lookup(childVar, output); ok {
			ec.Set(parentVar, v)
		}
	}

	ec.emitEvent(node.ID, "", store.EventSubflowCompleted, map[string]any{"procedure_id": payload.ProcedureID, "version": payload.Version})

	return payload.NextNodeID, nil, nil
}
