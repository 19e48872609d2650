package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateRun inserts a new run in RunPending status and returns its
// generated RunID.
func (s *Store) CreateRun(r Run) (string, error) {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	now := Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = RunPending
	}
	if r.InputVars == nil {
		r.InputVars = []byte("{}")
	}
	if r.OutputVars == nil {
		r.OutputVars = []byte("{}")
	}
	if r.VarsSnapshot == nil {
		r.VarsSnapshot = []byte("{}")
	}

	query := s.rebind(`INSERT INTO runs
		(run_id, procedure_id, version, status, trigger_type, triggered_by, parent_run_id,
		 current_node_id, input_vars, output_vars, vars_snapshot, error_message,
		 prompt_tokens, completion_tokens, cost_usd_micros, cancel_requested,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.Exec(query, r.RunID, r.ProcedureID, r.Version, string(r.Status), r.TriggerType,
		r.TriggeredBy, r.ParentRunID, r.CurrentNodeID, r.InputVars, r.OutputVars, r.VarsSnapshot,
		r.ErrorMessage, r.PromptTokens, r.CompletionTokens, r.CostUSDMicros, r.CancelRequested,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return r.RunID, nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	query := s.rebind(`SELECT run_id, procedure_id, version, status, trigger_type, triggered_by,
		parent_run_id, current_node_id, input_vars, output_vars, vars_snapshot, error_message,
		prompt_tokens, completion_tokens, cost_usd_micros, cancel_requested,
		started_at, ended_at, created_at, updated_at
		FROM runs WHERE run_id = ?`)
	row := s.db.QueryRow(query, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// UpdateRunState persists the orchestrator's latest view of a run:
// current node, status, accumulated vars, and token/cost counters. Called
// after every node the walk advances through, so a crash mid-run resumes
// from the last node it actually finished.
func (s *Store) UpdateRunState(r Run) error {
	query := s.rebind(`UPDATE runs SET
		status = ?, current_node_id = ?, output_vars = ?, vars_snapshot = ?, error_message = ?,
		prompt_tokens = ?, completion_tokens = ?, cost_usd_micros = ?,
		started_at = ?, ended_at = ?, updated_at = ?
		WHERE run_id = ?`)
	res, err := s.db.Exec(query, string(r.Status), r.CurrentNodeID, r.OutputVars, r.VarsSnapshot,
		r.ErrorMessage, r.PromptTokens, r.CompletionTokens, r.CostUSDMicros,
		nullTime(r.StartedAt), nullTime(r.EndedAt), Now(), r.RunID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.RunID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AccumulateRunCost adds to a run's running token/cost counters after an
// llm_action node completes. Additive rather than a full UpdateRunState
// write so concurrent branches of the same run (e.g. inside a parallel
// node) never clobber each other's usage.
func (s *Store) AccumulateRunCost(runID string, promptTokens, completionTokens int64, costUSDMicros int64) error {
	query := s.rebind(`UPDATE runs SET
		prompt_tokens = prompt_tokens + ?, completion_tokens = completion_tokens + ?,
		cost_usd_micros = cost_usd_micros + ?, updated_at = ?
		WHERE run_id = ?`)
	res, err := s.db.Exec(query, promptTokens, completionTokens, costUSDMicros, Now(), runID)
	if err != nil {
		return fmt.Errorf("accumulate run cost for %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel flips the cancel_requested flag so the next node boundary
// a worker reaches for this run observes it, even if the in-process
// signal (internal/cancel) was never delivered to the worker that owns
// this run — e.g. because a different process holds the job.
func (s *Store) RequestCancel(runID string) error {
	query := s.rebind(`UPDATE runs SET cancel_requested = ?, status = ?, updated_at = ?
		WHERE run_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`)
	res, err := s.db.Exec(query, true, string(RunCancelling), Now(), runID)
	if err != nil {
		return fmt.Errorf("request cancel for run %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsCancelRequested reports whether a run has been flagged for
// cancellation, independent of whether the in-process cancel registry
// (internal/cancel) knows about it.
func (s *Store) IsCancelRequested(runID string) (bool, error) {
	query := s.rebind(`SELECT cancel_requested FROM runs WHERE run_id = ?`)
	var flag bool
	err := s.db.QueryRow(query, runID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check cancel flag for run %s: %w", runID, err)
	}
	return flag, nil
}

// ListRunsByStatus returns runs in the given status, oldest first, capped
// at limit.
func (s *Store) ListRunsByStatus(status RunStatus, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT run_id, procedure_id, version, status, trigger_type, triggered_by,
		parent_run_id, current_node_id, input_vars, output_vars, vars_snapshot, error_message,
		prompt_tokens, completion_tokens, cost_usd_micros, cancel_requested,
		started_at, ended_at, created_at, updated_at
		FROM runs WHERE status = ? ORDER BY created_at ASC LIMIT ?`)
	rows, err := s.db.Query(query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CountActiveRunsForProcedure counts runs of a procedure that are not yet
// terminal (pending/running/waiting_approval/cancelling), used by the
// trigger service to enforce TriggerRegistration.MaxConcurrentRuns
// before firing a new run.
func (s *Store) CountActiveRunsForProcedure(procedureID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM runs
		WHERE procedure_id = ? AND status IN ('pending', 'running', 'waiting_approval', 'cancelling')`)
	var n int
	if err := s.db.QueryRow(query, procedureID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active runs for procedure %s: %w", procedureID, err)
	}
	return n, nil
}

// PruneRunsOlderThanDays deletes completed/failed/cancelled runs whose
// ended_at is older than the retention window, returning the number of
// rows removed. Nothing in this repository calls it on a schedule.
func (s *Store) PruneRunsOlderThanDays(days int) (int64, error) {
	query := s.rebind(`DELETE FROM runs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND ended_at IS NOT NULL
		AND ended_at < ` + s.cutoffExpr(days))
	res, err := s.db.Exec(query)
	if err != nil {
		return 0, fmt.Errorf("prune runs older than %d days: %w", days, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) cutoffExpr(days int) string {
	if s.dialect == Postgres {
		return fmt.Sprintf("now() - interval '%d days'", days)
	}
	return fmt.Sprintf("datetime('now', '-%d days')", days)
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var status string
	var startedAt, endedAt sql.NullTime
	if err := row.Scan(&r.RunID, &r.ProcedureID, &r.Version, &status, &r.TriggerType, &r.TriggeredBy,
		&r.ParentRunID, &r.CurrentNodeID, &r.InputVars, &r.OutputVars, &r.VarsSnapshot, &r.ErrorMessage,
		&r.PromptTokens, &r.CompletionTokens, &r.CostUSDMicros, &r.CancelRequested,
		&startedAt, &endedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.StartedAt = fromNullTime(startedAt)
	r.EndedAt = fromNullTime(endedAt)
	return &r, nil
}
