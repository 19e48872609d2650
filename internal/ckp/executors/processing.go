package executors

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

// Processing runs each operation as an internal action (or, per its own
// binding, a dispatched one), writing each result to its own output
// variable, same semantics as Sequence but named separately because
// processing nodes are meant for data-shaping pipelines rather than
// agent orchestration.
func Processing(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.ProcessingPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a processing payload", node.ID)
	}

	for _, op := range payload.Operations {
		if _, err := RunStep(ctx, ec, node.ID, op); err != nil {
			var route *fallbackRouteError
			if errors.As(err, &route) {
				return route.FallbackNode, nil, nil
			}
			return "", nil, fmt.Errorf("node %s operation %s: %w", node.ID, op.StepID, err)
		}
	}

	return node.NextNodeID, nil, nil
}
