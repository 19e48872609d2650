package executors

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

// branchResult is one fork's outcome, collected back on the parent
// goroutine so results merge deterministically regardless of which
// branch finishes first.
type branchResult struct {
	branchID string
	vars     map[string]any
	outcome  *Outcome
	err      error
}

// Parallel forks every branch into its own Context (an isolated copy of
// the variable set) and walks each to completion concurrently. Once the
// wait strategy is satisfied, every branch's variable delta is merged
// back into the parent context — last writer wins on overlapping keys,
// resolved in branch-list order — and parallel_results records each
// branch's named outputs for downstream nodes to inspect.
func Parallel(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.ParallelPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a parallel payload", node.ID)
	}
	if len(payload.Branches) == 0 {
		return payload.NextNodeID, nil, nil
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan branchResult, len(payload.Branches))
	var wg sync.WaitGroup
	for _, b := range payload.Branches {
		wg.Add(1)
		go func(b ir.ParallelBranch) {
			defer wg.Done()
			fork := ec.Fork()
			outcome, err := walkFrom(branchCtx, fork, b.StartNodeID)
			results <- branchResult{branchID: b.BranchID, vars: fork.Snapshot(), outcome: outcome, err: err}
		}(b)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make(map[string]branchResult, len(payload.Branches))
	var firstErr error
	for len(collected) < len(payload.Branches) {
		select {
		case r, ok := <-results:
			if !ok {
				goto done
			}
			collected[r.branchID] = r
			if r.err != nil && firstErr == nil {
				firstErr = fmt.Errorf("branch %s: %w", r.branchID, r.err)
				if payload.BranchFailure == "fail" {
					cancel()
				}
			}
			if payload.WaitStrategy == "any" && r.err == nil {
				cancel()
				goto done
			}
		case <-ctx.Done():
			cancel()
			return "", nil, ctx.Err()
		}
	}
done:
	wg.Wait()

	if firstErr != nil && payload.BranchFailure != "continue" {
		return "", nil, firstErr
	}

	branchOutputs := make(map[string]any, len(payload.Branches))
	for _, b := range payload.Branches {
		r, ok := collected[b.BranchID]
		if !ok {
			continue
		}
		ec.SetMany(r.vars)
		status := "succeeded"
		if r.err != nil {
			status = "failed"
		}
		branchOutputs[b.BranchID] = map[string]any{"status": status, "vars": r.vars}
		if r.outcome != nil && r.outcome.Status == "failure" {
			return "", r.outcome, nil
		}
	}
	ec.Set("parallel_results", branchOutputs)

	return payload.NextNodeID, nil, nil
}
