package executors

import (
	"context"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/template"
)

// Verification runs every check against the current variable set. A
// failing check whose OnFail is "fail_workflow" aborts the run
// immediately; "continue" just records the failure and moves on.
func Verification(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.VerificationPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a verification payload", node.ID)
	}

	vars := ec.Snapshot()
	var failed []string
	for _, check := range payload.Checks {
		passed, err := template.EvaluateCondition(check.ConditionExpr, vars)
		if err != nil {
			return "", nil, fmt.Errorf("node %s: check %q: %w", node.ID, check.Name, err)
		}
		if passed {
			continue
		}
		failed = append(failed, check.Name)
		if check.OnFail == "fail_workflow" {
			return "", nil, fmt.Errorf("node %s: verification %q failed", node.ID, check.Name)
		}
	}

	ec.Set("verification_failures", failed)
	return node.NextNodeID, nil, nil
}
