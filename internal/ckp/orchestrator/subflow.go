package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/executors"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// childSubflowRunner implements executors.SubflowRunner by creating a
// nested run row and re-entering ExecuteRun on it synchronously — a
// subflow node's "dispatch" is just another walk of this same loop,
// parented to the node that invoked it.
type childSubflowRunner struct {
	o *Orchestrator
}

func (o *Orchestrator) subflowRunner() executors.SubflowRunner {
	return &childSubflowRunner{o: o}
}

func (c *childSubflowRunner) RunSubflow(ctx context.Context, parentRunID, nodeID, procedureID, version string, inputVars map[string]any) (map[string]any, error) {
	proc, err := c.o.Store.LatestPublishedProcedure(procedureID)
	if version != "" {
		proc, err = c.o.Store.GetProcedure(procedureID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve subflow procedure %s@%s: %w", procedureID, version, err)
	}

	inputJSON, err := json.Marshal(inputVars)
	if err != nil {
		return nil, fmt.Errorf("marshal subflow input vars: %w", err)
	}

	childID, err := c.o.Store.CreateRun(store.Run{
		ProcedureID:  proc.ProcedureID,
		Version:      proc.Version,
		TriggerType:  "subflow",
		TriggeredBy:  fmt.Sprintf("%s:%s", parentRunID, nodeID),
		ParentRunID:  parentRunID,
		InputVars:    inputJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("create subflow run for %s@%s: %w", proc.ProcedureID, proc.Version, err)
	}

	if err := c.o.ExecuteRun(ctx, childID); err != nil {
		return nil, fmt.Errorf("execute subflow run %s: %w", childID, err)
	}

	child, err := c.o.Store.GetRun(childID)
	if err != nil {
		return nil, fmt.Errorf("load subflow run %s result: %w", childID, err)
	}
	if child.Status != store.RunCompleted {
		return nil, fmt.Errorf("subflow run %s ended in status %s: %s", childID, child.Status, child.ErrorMessage)
	}

	output := map[string]any{}
	if len(child.VarsSnapshot) > 0 {
		_ = json.Unmarshal(child.VarsSnapshot, &output)
	}
	return output, nil
}
