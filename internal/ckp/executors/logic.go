package executors

import (
	"context"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/template"
)

// Logic evaluates each rule's condition in order and routes to the
// first whose condition is true, falling back to DefaultNextNodeID.
func Logic(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.LogicPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a logic payload", node.ID)
	}

	vars := ec.Snapshot()
	for _, rule := range payload.Rules {
		matched, err := template.EvaluateCondition(rule.ConditionExpr, vars)
		if err != nil {
			return "", nil, fmt.Errorf("node %s: evaluate rule %q: %w", node.ID, rule.ConditionExpr, err)
		}
		if matched {
			return rule.NextNodeID, nil, nil
		}
	}

	if payload.DefaultNextNodeID == "" {
		return "", nil, fmt.Errorf("node %s: no rule matched and no default route configured", node.ID)
	}
	return payload.DefaultNextNodeID, nil, nil
}
