package store

import (
	"database/sql"
	"fmt"
	"time"
)

// breakerOpenDuration is how long an agent_http circuit stays open once
// tripped before the next dispatch attempt is allowed to probe it again.
const breakerOpenDuration = 30 * time.Second

const breakerFailureThreshold = 5

// PutAgent registers or updates an agent instance's static configuration
// (endpoint, capabilities, concurrency limit). It never touches the
// breaker fields — those are only mutated by RecordAgentSuccess/Failure.
func (s *Store) PutAgent(a AgentInstance) error {
	now := Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	var query string
	switch s.dialect {
	case Postgres:
		query = `INSERT INTO agent_instances (agent_id, name, channel, endpoint, capabilities, max_concurrent, consecutive_failures, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
			ON CONFLICT (agent_id) DO UPDATE SET name=$2, channel=$3, endpoint=$4, capabilities=$5, max_concurrent=$6, updated_at=$8`
	default:
		query = `INSERT INTO agent_instances (agent_id, name, channel, endpoint, capabilities, max_concurrent, consecutive_failures, created_at, updated_at)
			VALUES (?,?,?,?,?,?,0,?,?)
			ON CONFLICT (agent_id) DO UPDATE SET name=excluded.name, channel=excluded.channel, endpoint=excluded.endpoint,
				capabilities=excluded.capabilities, max_concurrent=excluded.max_concurrent, updated_at=excluded.updated_at`
	}
	_, err := s.db.Exec(query, a.AgentID, a.Name, a.Channel, a.Endpoint, a.Capabilities, a.MaxConcurrent, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put agent %s: %w", a.AgentID, err)
	}
	return nil
}

// GetAgent fetches one registered agent instance by id.
func (s *Store) GetAgent(agentID string) (*AgentInstance, error) {
	query := s.rebind(`SELECT agent_id, name, channel, endpoint, capabilities, max_concurrent,
		consecutive_failures, circuit_open_at, last_used_at, created_at, updated_at
		FROM agent_instances WHERE agent_id = ?`)
	row := s.db.QueryRow(query, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// ListAgentsByCapability returns every agent advertising the given
// capability string in its capabilities JSON array, used by the registry
// to resolve a node's Agent namespace to a concrete dispatch target.
func (s *Store) ListAgentsByCapability(capability string) ([]AgentInstance, error) {
	query := s.rebind(`SELECT agent_id, name, channel, endpoint, capabilities, max_concurrent,
		consecutive_failures, circuit_open_at, last_used_at, created_at, updated_at
		FROM agent_instances`)
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentInstance
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if hasCapability(a.Capabilities, capability) {
			out = append(out, *a)
		}
	}
	return out, rows.Err()
}

func hasCapability(capsJSON []byte, capability string) bool {
	// Capabilities are stored as a small JSON string array; a substring
	// match on the quoted form avoids pulling in encoding/json for what
	// is, at registry-resolution time, already a narrow membership test.
	needle := `"` + capability + `"`
	for i := 0; i+len(needle) <= len(capsJSON); i++ {
		if string(capsJSON[i:i+len(needle)]) == needle {
			return true
		}
	}
	return false
}

// RecordAgentSuccess resets the consecutive failure counter and clears
// any open circuit, called after a successful agent_http dispatch.
func (s *Store) RecordAgentSuccess(agentID string) error {
	query := s.rebind(`UPDATE agent_instances SET consecutive_failures = 0, circuit_open_at = NULL,
		last_used_at = ?, updated_at = ? WHERE agent_id = ?`)
	now := Now()
	_, err := s.db.Exec(query, now, now, agentID)
	if err != nil {
		return fmt.Errorf("record agent success for %s: %w", agentID, err)
	}
	return nil
}

// RecordAgentFailure increments the consecutive failure counter and, once
// it crosses breakerFailureThreshold, opens the circuit by stamping
// circuit_open_at. Returns whether the circuit is now open.
func (s *Store) RecordAgentFailure(agentID string) (bool, error) {
	a, err := s.GetAgent(agentID)
	if err != nil {
		return false, err
	}
	failures := a.ConsecutiveFailures + 1
	now := Now()
	opensCircuit := failures >= breakerFailureThreshold

	query := s.rebind(`UPDATE agent_instances SET consecutive_failures = ?, circuit_open_at = ?,
		updated_at = ? WHERE agent_id = ?`)
	var openAt sql.NullTime
	if opensCircuit {
		openAt = sql.NullTime{Time: now, Valid: true}
	}
	_, err = s.db.Exec(query, failures, openAt, now, agentID)
	if err != nil {
		return false, fmt.Errorf("record agent failure for %s: %w", agentID, err)
	}
	return opensCircuit, nil
}

// CircuitOpen reports whether dispatch to this agent should currently be
// refused. It reports closed once breakerOpenDuration has elapsed since
// the breaker tripped; the stored row is left unchanged until
// RecordAgentSuccess clears it.
func (s *Store) CircuitOpen(agentID string) (bool, error) {
	a, err := s.GetAgent(agentID)
	if err != nil {
		return false, err
	}
	if a.CircuitOpenAt == nil {
		return false, nil
	}
	if Now().Sub(*a.CircuitOpenAt) > breakerOpenDuration {
		return false, nil
	}
	return true, nil
}

func scanAgent(row scanner) (*AgentInstance, error) {
	var a AgentInstance
	var circuitOpenAt, lastUsedAt sql.NullTime
	if err := row.Scan(&a.AgentID, &a.Name, &a.Channel, &a.Endpoint, &a.Capabilities, &a.MaxConcurrent,
		&a.ConsecutiveFailures, &circuitOpenAt, &lastUsedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.CircuitOpenAt = fromNullTime(circuitOpenAt)
	a.LastUsedAt = fromNullTime(lastUsedAt)
	return &a, nil
}
