package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateApproval persists the pause point for a human_approval node and
// returns its generated ApprovalID.
func (s *Store) CreateApproval(a Approval) (string, error) {
	if a.ApprovalID == "" {
		a.ApprovalID = uuid.NewString()
	}
	a.CreatedAt = Now()
	if a.Status == "" {
		a.Status = ApprovalPending
	}
	if a.Options == nil {
		a.Options = []byte("[]")
	}
	if a.ContextData == nil {
		a.ContextData = []byte("{}")
	}

	query := s.rebind(`INSERT INTO approvals
		(approval_id, run_id, node_id, prompt, decision_type, options, context_data,
		 status, decision, decided_by, decided_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(query, a.ApprovalID, a.RunID, a.NodeID, a.Prompt, a.DecisionType,
		a.Options, a.ContextData, string(a.Status), a.Decision, a.DecidedBy,
		nullTime(a.DecidedAt), nullTime(a.ExpiresAt), a.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("create approval for run %s node %s: %w", a.RunID, a.NodeID, err)
	}
	return a.ApprovalID, nil
}

// GetApproval fetches one approval by id.
func (s *Store) GetApproval(approvalID string) (*Approval, error) {
	query := s.rebind(`SELECT approval_id, run_id, node_id, prompt, decision_type, options,
		context_data, status, decision, decided_by, decided_at, expires_at, created_at
		FROM approvals WHERE approval_id = ?`)
	row := s.db.QueryRow(query, approvalID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", approvalID, err)
	}
	return a, nil
}

// ListApprovalsByRunAndNode returns every approval created for this
// run/node pair, oldest first — a human_approval node re-entered after
// resume uses the latest one to find its decision.
func (s *Store) ListApprovalsByRunAndNode(runID, nodeID string) ([]Approval, error) {
	query := s.rebind(`SELECT approval_id, run_id, node_id, prompt, decision_type, options,
		context_data, status, decision, decided_by, decided_at, expires_at, created_at
		FROM approvals WHERE run_id = ? AND node_id = ? ORDER BY created_at ASC`)
	rows, err := s.db.Query(query, runID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list approvals for run %s node %s: %w", runID, nodeID, err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Decide transitions a pending approval to approved/rejected, rejecting
// the call if the approval is not currently pending or has already
// expired — matching the teacher's queue.Decide validation shape, applied
// here against a persisted row instead of an in-memory one.
func (s *Store) Decide(approvalID string, approved bool, decidedBy string) (*Approval, error) {
	a, err := s.GetApproval(approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != ApprovalPending {
		return nil, fmt.Errorf("approval %s is not pending (status=%s)", approvalID, a.Status)
	}
	if a.ExpiresAt != nil && Now().After(*a.ExpiresAt) {
		return nil, fmt.Errorf("approval %s has expired", approvalID)
	}

	status := ApprovalRejected
	decision := "rejected"
	if approved {
		status = ApprovalApproved
		decision = "approved"
	}
	now := Now()

	query := s.rebind(`UPDATE approvals SET status = ?, decision = ?, decided_by = ?, decided_at = ?
		WHERE approval_id = ? AND status = 'pending'`)
	res, err := s.db.Exec(query, string(status), decision, decidedBy, now, approvalID)
	if err != nil {
		return nil, fmt.Errorf("decide approval %s: %w", approvalID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrConflict
	}

	a.Status = status
	a.Decision = decision
	a.DecidedBy = decidedBy
	a.DecidedAt = &now
	return a, nil
}

// ExpirePendingApprovals marks every pending approval past its
// expires_at as expired, returning the expired rows so the caller can route
// their runs down the on_timeout edge.
func (s *Store) ExpirePendingApprovals() ([]Approval, error) {
	query := s.rebind(`SELECT approval_id, run_id, node_id, prompt, decision_type, options,
		context_data, status, decision, decided_by, decided_at, expires_at, created_at
		FROM approvals WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ?`)
	rows, err := s.db.Query(query, Now())
	if err != nil {
		return nil, fmt.Errorf("find expired approvals: %w", err)
	}
	var expired []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired approval: %w", err)
		}
		expired = append(expired, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range expired {
		upd := s.rebind(`UPDATE approvals SET status = 'expired' WHERE approval_id = ? AND status = 'pending'`)
		if _, err := s.db.Exec(upd, a.ApprovalID); err != nil {
			return nil, fmt.Errorf("expire approval %s: %w", a.ApprovalID, err)
		}
	}
	return expired, nil
}

func scanApproval(row scanner) (*Approval, error) {
	var a Approval
	var status string
	var decidedAt, expiresAt sql.NullTime
	if err := row.Scan(&a.ApprovalID, &a.RunID, &a.NodeID, &a.Prompt, &a.DecisionType, &a.Options,
		&a.ContextData, &status, &a.Decision, &a.DecidedBy, &decidedAt, &expiresAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = ApprovalStatus(status)
	a.DecidedAt = fromNullTime(decidedAt)
	a.ExpiresAt = fromNullTime(expiresAt)
	return &a, nil
}
