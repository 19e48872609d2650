package executors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// Sequence runs every step in order, stopping at the first unrecovered
// error. An "escalate" error handler reroutes to its fallback node
// instead of failing the node. If the node carries an SLA and the body
// overruns it, that is only ever logged via an sla_breached event — it
// never changes the node's outcome or routing.
func Sequence(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.SequencePayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a sequence payload", node.ID)
	}

	start := time.Now()
	for _, step := range payload.Steps {
		if _, err := RunStep(ctx, ec, node.ID, step); err != nil {
			var route *fallbackRouteError
			if errors.As(err, &route) {
				return route.FallbackNode, nil, nil
			}
			return "", nil, fmt.Errorf("node %s step %s: %w", node.ID, step.StepID, err)
		}
	}

	if node.SLA != nil && node.SLA.MaxDurationMS > 0 {
		elapsed := time.Since(start)
		if elapsed > time.Duration(node.SLA.MaxDurationMS)*time.Millisecond {
			ec.emitEvent(node.ID, "", store.EventSLABreached, map[string]any{
				"max_duration_ms": node.SLA.MaxDurationMS,
				"elapsed_ms":      elapsed.Milliseconds(),
				"on_breach":       node.SLA.OnBreach,
			})
		}
	}

	return node.NextNodeID, nil, nil
}
