package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/template"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// ErrAwaitingApproval signals the orchestrator to suspend the run: an
// approval record now exists and the node will be re-entered (and find
// it already decided) once a human acts on it.
var ErrAwaitingApproval = fmt.Errorf("awaiting human approval")

// HumanApproval creates (or finds) a pending approval record for this
// node and, if it has already been decided, routes to on_approve/
// on_reject/on_timeout. If it is still pending, it returns
// ErrAwaitingApproval so the orchestrator parks the run.
func HumanApproval(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.HumanApprovalPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a human_approval payload", node.ID)
	}

	existing, err := findApprovalForNode(ec, node.ID)
	if err != nil {
		return "", nil, err
	}

	if existing == nil {
		expiresAt := store.Now().Add(time.Duration(payload.ExpiresInSec) * time.Second)
		prompt := template.Render(payload.Prompt, ec.Snapshot())
		contextJSON := mustJSON(template.RenderValue(payload.ContextData, ec.Snapshot()))
		approvalID, err := ec.Store.CreateApproval(store.Approval{
			RunID:       ec.RunID,
			NodeID:      node.ID,
			Prompt:      prompt,
			ContextData: contextJSON,
			Status:      store.ApprovalPending,
			ExpiresAt:   &expiresAt,
		})
		if err != nil {
			return "", nil, fmt.Errorf("node %s: create approval: %w", node.ID, err)
		}
		ec.emitEvent(node.ID, "", store.EventApprovalRequested, map[string]any{"approval_id": approvalID})
		return "", nil, ErrAwaitingApproval
	}

	switch existing.Status {
	case store.ApprovalApproved:
		ec.Set("approval_decision", "approved")
		return payload.OnApprove, nil, nil
	case store.ApprovalRejected:
		ec.Set("approval_decision", "rejected")
		return payload.OnReject, nil, nil
	case store.ApprovalExpired:
		ec.Set("approval_decision", "timeout")
		return payload.OnTimeout, nil, nil
	default:
		return "", nil, ErrAwaitingApproval
	}
}

func findApprovalForNode(ec *Context, nodeID string) (*store.Approval, error) {
	approvals, err := ec.Store.ListApprovalsByRunAndNode(ec.RunID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("node %s: list approvals: %w", nodeID, err)
	}
	if len(approvals) == 0 {
		return nil, nil
	}
	return &approvals[len(approvals)-1], nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
