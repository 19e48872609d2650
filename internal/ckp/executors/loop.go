package executors

import (
	"context"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/template"
)

// Loop walks the body subgraph once per item of the iterator collection,
// exposing the current item (and, optionally, its index) as run
// variables before each pass, and optionally collecting each pass's
// item variable into a named accumulator.
func Loop(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.LoopPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a loop payload", node.ID)
	}

	source, _ := template.Lookup(payload.IteratorVar, ec.Snapshot())
	items, _ := source.([]any)

	var collected []any
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		iterVar := payload.IteratorVariable
		if iterVar == "" {
			iterVar = "loop_item"
		}
		ec.Set(iterVar, item)
		ec.Set("loop_item", item)
		if payload.IndexVariable != "" {
			ec.Set(payload.IndexVariable, i)
		}
		ec.Set("loop_index", i)

		outcome, err := walkFrom(ctx, ec, payload.BodyNodeID)
		if err != nil {
			return "", nil, fmt.Errorf("node %s: iteration %d: %w", node.ID, i, err)
		}
		if outcome != nil {
			return "", outcome, nil
		}

		if payload.CollectVariable != "" {
			v, _ := ec.Get(iterVar)
			collected = append(collected, v)
		}
	}

	if payload.CollectVariable != "" {
		ec.Set(payload.CollectVariable, collected)
	}

	return payload.NextNodeID, nil, nil
}
