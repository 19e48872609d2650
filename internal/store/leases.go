package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AcquireResourceLease attempts to take an exclusive, time-bounded lease
// on resourceKey. Used to enforce an agent's max_concurrent limit across
// worker processes: each in-flight dispatch holds one lease per
// concurrency slot, named "<agent_id>#<slot>".
func (s *Store) AcquireResourceLease(resourceKey, runID, nodeID string, ttl int64) (string, bool, error) {
	now := Now()
	expiresAt := now.Add(durationSeconds(ttl))

	// Clear anything that has already expired so a crashed holder does
	// not permanently starve the slot.
	clear := s.rebind(`DELETE FROM resource_leases WHERE resource_key = ? AND expires_at < ?`)
	if _, err := s.db.Exec(clear, resourceKey, now); err != nil {
		return "", false, fmt.Errorf("clear expired lease for %s: %w", resourceKey, err)
	}

	leaseID := uuid.NewString()
	insert := s.rebind(`INSERT INTO resource_leases (lease_id, resource_key, run_id, node_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(insert, leaseID, resourceKey, runID, nodeID, now, expiresAt)
	if err != nil {
		// Unique index on resource_key: another holder already has it.
		return "", false, nil
	}
	return leaseID, true, nil
}

// RenewResourceLease extends an existing lease's expiry.
func (s *Store) RenewResourceLease(leaseID string, ttl int64) error {
	query := s.rebind(`UPDATE resource_leases SET expires_at = ? WHERE lease_id = ?`)
	res, err := s.db.Exec(query, Now().Add(durationSeconds(ttl)), leaseID)
	if err != nil {
		return fmt.Errorf("renew resource lease %s: %w", leaseID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseResourceLease frees a held lease immediately, letting a queued
// waiter acquire the slot without waiting out the TTL.
func (s *Store) ReleaseResourceLease(leaseID string) error {
	query := s.rebind(`DELETE FROM resource_leases WHERE lease_id = ?`)
	_, err := s.db.Exec(query, leaseID)
	if err != nil {
		return fmt.Errorf("release resource lease %s: %w", leaseID, err)
	}
	return nil
}

// UpsertOrchestratorWorker records a worker process's heartbeat and
// leadership flag, creating the row on first heartbeat.
func (s *Store) UpsertOrchestratorWorker(workerID, hostname string, isLeader bool) error {
	now := Now()
	query := s.rebind(`INSERT INTO orchestrator_workers (worker_id, hostname, is_leader, last_heartbeat, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			is_leader = excluded.is_leader, last_heartbeat = excluded.last_heartbeat`)
	_, err := s.db.Exec(query, workerID, hostname, isLeader, now, now)
	if err != nil {
		return fmt.Errorf("upsert orchestrator worker %s: %w", workerID, err)
	}
	return nil
}

// DemoteOtherWorkers clears is_leader on every worker row except
// exceptWorkerID, called immediately after a worker wins the leader
// lease so stale leader flags from a prior leadership term do not
// linger.
func (s *Store) DemoteOtherWorkers(exceptWorkerID string) error {
	query := s.rebind(`UPDATE orchestrator_workers SET is_leader = ? WHERE worker_id != ?`)
	_, err := s.db.Exec(query, false, exceptWorkerID)
	if err != nil {
		return fmt.Errorf("demote other workers: %w", err)
	}
	return nil
}

// ListOrchestratorWorkers returns every known worker row, used by
// operational tooling (ckpctl) to show cluster membership.
func (s *Store) ListOrchestratorWorkers() ([]OrchestratorWorker, error) {
	rows, err := s.db.Query(`SELECT worker_id, hostname, is_leader, last_heartbeat, started_at
		FROM orchestrator_workers ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list orchestrator workers: %w", err)
	}
	defer rows.Close()

	var out []OrchestratorWorker
	for rows.Next() {
		var w OrchestratorWorker
		if err := rows.Scan(&w.WorkerID, &w.Hostname, &w.IsLeader, &w.LastHeartbeat, &w.StartedAt); err != nil {
			return nil, fmt.Errorf("scan orchestrator worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetLeaderLease fetches the single named lease row, if it exists.
func (s *Store) GetLeaderLease(name string) (*LeaderLease, error) {
	query := s.rebind(`SELECT lease_name, leader_id, acquired_at, expires_at FROM leader_lease WHERE lease_name = ?`)
	var l LeaderLease
	err := s.db.QueryRow(query, name).Scan(&l.LeaseName, &l.LeaderID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get leader lease %s: %w", name, err)
	}
	return &l, nil
}

// RenewLeaderLease extends expires_at only if leaderID currently holds
// the lease. Returns ErrConflict if it does not (lost the lease, or
// never held it).
func (s *Store) RenewLeaderLease(name, leaderID string, ttl int64) error {
	now := Now()
	query := s.rebind(`UPDATE leader_lease SET expires_at = ?, acquired_at = ?
		WHERE lease_name = ? AND leader_id = ?`)
	res, err := s.db.Exec(query, now.Add(durationSeconds(ttl)), now, name, leaderID)
	if err != nil {
		return fmt.Errorf("renew leader lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// StealLeaderLease takes over an expired lease, only succeeding if the
// current expires_at is still in the past at the moment of the UPDATE
// (guards against a race with the true holder renewing just before us).
func (s *Store) StealLeaderLease(name, newLeaderID string, ttl int64) error {
	now := Now()
	query := s.rebind(`UPDATE leader_lease SET leader_id = ?, acquired_at = ?, expires_at = ?
		WHERE lease_name = ? AND expires_at < ?`)
	res, err := s.db.Exec(query, newLeaderID, now, now.Add(durationSeconds(ttl)), name, now)
	if err != nil {
		return fmt.Errorf("steal leader lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// InsertLeaderLease creates the lease row the first time any worker ever
// contends for it. Fails with ErrConflict if another worker beat us to
// the insert (unique primary key on lease_name).
func (s *Store) InsertLeaderLease(name, leaderID string, ttl int64) error {
	now := Now()
	query := s.rebind(`INSERT INTO leader_lease (lease_name, leader_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`)
	_, err := s.db.Exec(query, name, leaderID, now, now.Add(durationSeconds(ttl)))
	if err != nil {
		return ErrConflict
	}
	return nil
}

func durationSeconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
