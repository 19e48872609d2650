package store

import (
	"fmt"

	"github.com/google/uuid"
)

// RecordEvent appends one row to a run's forensic timeline. Events are
// never updated or deleted once written.
func (s *Store) RecordEvent(e RunEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = Now()
	}
	if e.Payload == nil {
		e.Payload = []byte("{}")
	}

	query := s.rebind(`INSERT INTO run_events
		(event_id, run_id, event_type, node_id, step_id, attempt, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(query, e.EventID, e.RunID, e.EventType, e.NodeID, e.StepID, e.Attempt, e.Payload, e.TS)
	if err != nil {
		return fmt.Errorf("record event %s for run %s: %w", e.EventType, e.RunID, err)
	}
	return nil
}

// ListEventsByRun returns a run's full timeline in chronological order.
func (s *Store) ListEventsByRun(runID string) ([]RunEvent, error) {
	query := s.rebind(`SELECT event_id, run_id, event_type, node_id, step_id, attempt, payload, ts
		FROM run_events WHERE run_id = ? ORDER BY ts ASC, event_id ASC`)
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.EventID, &e.RunID, &e.EventType, &e.NodeID, &e.StepID, &e.Attempt, &e.Payload, &e.TS); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordArtifact persists one external output produced by a step.
func (s *Store) RecordArtifact(a Artifact) (string, error) {
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = Now()
	}

	query := s.rebind(`INSERT INTO artifacts
		(artifact_id, run_id, node_id, step_id, kind, uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(query, a.ArtifactID, a.RunID, a.NodeID, a.StepID, a.Kind, a.URI, a.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("record artifact for run %s node %s: %w", a.RunID, a.NodeID, err)
	}
	return a.ArtifactID, nil
}

// ListArtifactsByRun returns every artifact a run has produced so far.
func (s *Store) ListArtifactsByRun(runID string) ([]Artifact, error) {
	query := s.rebind(`SELECT artifact_id, run_id, node_id, step_id, kind, uri, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`)
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ArtifactID, &a.RunID, &a.NodeID, &a.StepID, &a.Kind, &a.URI, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
