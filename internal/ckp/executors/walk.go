package executors

import (
	"context"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

// maxBodyHops bounds a loop/parallel body walk, matching the orchestrator's
// own per-run hop guard so a misrouted body graph fails loudly instead of
// spinning forever inside a single node.
const maxBodyHops = 1000

// ExecuteNode dispatches one node to its type's executor function. The
// top-level orchestrator run-loop and the loop/parallel node bodies both
// drive their walks through this same switch, so node-type semantics
// live in exactly one place.
func ExecuteNode(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	switch node.Type {
	case ir.NodeSequence:
		return Sequence(ctx, ec, node)
	case ir.NodeProcessing:
		return Processing(ctx, ec, node)
	case ir.NodeLogic:
		return Logic(ctx, ec, node)
	case ir.NodeLoop:
		return Loop(ctx, ec, node)
	case ir.NodeParallel:
		return Parallel(ctx, ec, node)
	case ir.NodeHumanApproval:
		return HumanApproval(ctx, ec, node)
	case ir.NodeLLMAction:
		return LLMAction(ctx, ec, node)
	case ir.NodeSubflow:
		return Subflow(ctx, ec, node)
	case ir.NodeTransform:
		return Transform(ctx, ec, node)
	case ir.NodeVerification:
		return Verification(ctx, ec, node)
	case ir.NodeTerminate:
		return Terminate(ctx, ec, node)
	default:
		return "", nil, fmt.Errorf("node %s: unknown node type %q", node.ID, node.Type)
	}
}

// walkFrom drives a self-contained sub-walk of ec's node graph starting
// at startNodeID, used by loop iterations and parallel branches to run
// their body/branch subgraphs to completion. It stops when a node
// produces an Outcome, when NextNodeID runs out, or when the hop guard
// trips — whichever comes first.
func walkFrom(ctx context.Context, ec *Context, startNodeID string) (*Outcome, error) {
	nodeID := startNodeID
	for hops := 0; ; hops++ {
		if hops >= maxBodyHops {
			return nil, fmt.Errorf("body walk from %s exceeded %d hops", startNodeID, maxBodyHops)
		}
		if nodeID == "" {
			return nil, nil
		}
		node, ok := ec.Nodes[nodeID]
		if !ok {
			return nil, fmt.Errorf("body walk: unknown node %q", nodeID)
		}
		next, outcome, err := ExecuteNode(ctx, ec, node)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}
		nodeID = next
	}
}
