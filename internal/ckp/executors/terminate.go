package executors

import (
	"context"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

// Terminate ends the graph walk with the node's configured status.
func Terminate(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.TerminatePayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a terminate payload", node.ID)
	}
	return "", &Outcome{Status: payload.Status}, nil
}
