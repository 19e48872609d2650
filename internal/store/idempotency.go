package store

import (
	"database/sql"
	"fmt"
)

// GetStepResult returns a previously cached step result, if one exists
// for this exact (run, node, step, idempotency key) tuple. A resumed run
// uses this to skip re-executing a step whose side effect already
// committed on a prior attempt.
func (s *Store) GetStepResult(runID, nodeID, stepID, idempotencyKey string) (*StepIdempotencyRecord, error) {
	if idempotencyKey == "" {
		return nil, ErrNotFound
	}
	query := s.rebind(`SELECT run_id, node_id, step_id, idempotency_key, result, created_at
		FROM step_idempotency WHERE run_id = ? AND node_id = ? AND step_id = ? AND idempotency_key = ?`)
	row := s.db.QueryRow(query, runID, nodeID, stepID, idempotencyKey)
	var rec StepIdempotencyRecord
	err := row.Scan(&rec.RunID, &rec.NodeID, &rec.StepID, &rec.IdempotencyKey, &rec.Result, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step result %s/%s/%s: %w", runID, nodeID, stepID, err)
	}
	return &rec, nil
}

// PutStepResult caches a step's result under its idempotency key. A
// conflict (same tuple already cached) is not an error — it means two
// workers raced to execute the same step and both are trying to record
// it, which is harmless since the result is deterministic for a given
// key.
func (s *Store) PutStepResult(rec StepIdempotencyRecord) error {
	if rec.IdempotencyKey == "" {
		return nil
	}
	rec.CreatedAt = Now()
	query := s.rebind(`INSERT INTO step_idempotency (run_id, node_id, step_id, idempotency_key, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, node_id, step_id, idempotency_key) DO NOTHING`)
	_, err := s.db.Exec(query, rec.RunID, rec.NodeID, rec.StepID, rec.IdempotencyKey, rec.Result, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("put step result %s/%s/%s: %w", rec.RunID, rec.NodeID, rec.StepID, err)
	}
	return nil
}
