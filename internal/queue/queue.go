// Package queue implements the durable run_jobs work queue: enqueue,
// dialect-aware claim, heartbeat-based reclaim of stalled jobs, and the
// retry/fail bookkeeping a worker performs after executing a claimed job.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// Queue wraps a *store.Store with the job-claim semantics that differ by
// dialect: Postgres can do a single `SELECT ... FOR UPDATE SKIP LOCKED`;
// SQLite has no row-locking story worth relying on under WAL, so it
// claims optimistically, one job at a time, with a rowcount check on the
// UPDATE.
type Queue struct {
	store *store.Store
}

// New wraps s in a Queue.
func New(s *store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue inserts a new queued job for runID/nodeID and returns its id.
func (q *Queue) Enqueue(runID, nodeID string, priority, maxAttempts int, runAfter *time.Time) (string, error) {
	jobID := uuid.NewString()
	now := store.Now()
	db := q.store.DB()

	query := rebind(q.store, `INSERT INTO run_jobs
		(job_id, run_id, node_id, priority, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`)
	_, err := db.Exec(query, jobID, runID, nodeID, priority, maxAttempts, runAfter, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job for run %s node %s: %w", runID, nodeID, err)
	}
	return jobID, nil
}

// Requeue resets an existing job back to queued, optionally bumping its
// priority — used by the approval service when a paused run resumes
// (priority=10, ahead of ordinary work).
func (q *Queue) Requeue(jobID string, priority int, runAfter *time.Time) error {
	query := rebind(q.store, `UPDATE run_jobs SET status = 'queued', priority = ?, run_after = ?,
		locked_by = '', locked_at = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE job_id = ?`)
	res, err := q.store.DB().Exec(query, priority, runAfter, store.Now(), jobID)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// LatestJobIDForRun returns the most recently created job row for a
// run, regardless of its status — used by the approval service to find
// the row to Requeue once a paused run's human_approval node is
// decided. Returns store.ErrNotFound if the run has never had a job.
func (q *Queue) LatestJobIDForRun(runID string) (string, error) {
	query := rebind(q.store, `SELECT job_id FROM run_jobs WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`)
	var jobID string
	err := q.store.DB().QueryRow(query, runID).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find latest job for run %s: %w", runID, err)
	}
	return jobID, nil
}

// ClaimedJob is a run_jobs row successfully claimed by this worker.
type ClaimedJob struct {
	JobID       string
	RunID       string
	NodeID      string
	Attempts    int
	MaxAttempts int
}

// Claim attempts to take ownership of up to one eligible job, locking it
// to workerID for lockDuration. It returns (nil, nil) when no job is
// currently claimable — not an error, just an empty queue.
func (q *Queue) Claim(workerID string, lockDuration time.Duration) (*ClaimedJob, error) {
	if q.store.Dialect() == store.Postgres {
		return q.claimPostgres(workerID, lockDuration)
	}
	return q.claimSQLite(workerID, lockDuration)
}

// claimPostgres uses SELECT ... FOR UPDATE SKIP LOCKED inside a
// transaction: the row lock itself prevents two workers from racing on
// the same job, so the UPDATE that follows never needs a rowcount check.
func (q *Queue) claimPostgres(workerID string, lockDuration time.Duration) (*ClaimedJob, error) {
	tx, err := q.store.DB().Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := store.Now()
	row := tx.QueryRow(`SELECT job_id, run_id, node_id, attempts, max_attempts FROM run_jobs
		WHERE status IN ('queued', 'retrying')
		AND (run_after IS NULL OR run_after <= $1)
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED LIMIT 1`, now)

	var j ClaimedJob
	if err := row.Scan(&j.JobID, &j.RunID, &j.NodeID, &j.Attempts, &j.MaxAttempts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan claimable job: %w", err)
	}

	expires := now.Add(lockDuration)
	_, err = tx.Exec(`UPDATE run_jobs SET status = 'claimed', locked_by = $1, locked_at = $2,
		lock_expires_at = $3, attempts = attempts + 1, updated_at = $2 WHERE job_id = $4`,
		workerID, now, expires, j.JobID)
	if err != nil {
		return nil, fmt.Errorf("lock claimed job %s: %w", j.JobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	j.Attempts++
	return &j, nil
}

// claimSQLite has no usable row-locking story under a single shared
// connection, so it selects one candidate, then claims it with an UPDATE
// guarded by "AND status IN (...) AND job_id = ?" and checks the
// resulting rowcount: 0 rows affected means another worker (or, in a
// single-process deployment, another goroutine) won the race, and the
// caller should try the next candidate.
func (q *Queue) claimSQLite(workerID string, lockDuration time.Duration) (*ClaimedJob, error) {
	now := store.Now()
	rows, err := q.store.DB().Query(`SELECT job_id, run_id, node_id, attempts, max_attempts FROM run_jobs
		WHERE status IN ('queued', 'retrying')
		AND (run_after IS NULL OR run_after <= ?)
		ORDER BY priority DESC, created_at ASC LIMIT 20`, now)
	if err != nil {
		return nil, fmt.Errorf("query claimable jobs: %w", err)
	}

	var candidates []ClaimedJob
	for rows.Next() {
		var j ClaimedJob
		if err := rows.Scan(&j.JobID, &j.RunID, &j.NodeID, &j.Attempts, &j.MaxAttempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable job: %w", err)
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expires := now.Add(lockDuration)
	for _, j := range candidates {
		res, err := q.store.DB().Exec(`UPDATE run_jobs SET status = 'claimed', locked_by = ?, locked_at = ?,
			lock_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE job_id = ? AND status IN ('queued', 'retrying')`,
			workerID, now, expires, now, j.JobID)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", j.JobID, err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			j.Attempts++
			return &j, nil
		}
		// rowcount 0: lost the race for this candidate, try the next.
	}
	return nil, nil
}

// MarkRunning flips a claimed job to running, called right before the
// orchestrator starts executing it.
func (q *Queue) MarkRunning(jobID string) error {
	query := rebind(q.store, `UPDATE run_jobs SET status = 'running', updated_at = ? WHERE job_id = ?`)
	_, err := q.store.DB().Exec(query, store.Now(), jobID)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	return nil
}

// MarkDone marks a job complete. It only retires the job row; the
// worker calls it after ExecuteRun has walked the run to completion, a
// pause or a cancellation, and no follow-up job is enqueued for it.
func (q *Queue) MarkDone(jobID string) error {
	query := rebind(q.store, `UPDATE run_jobs SET status = 'done', updated_at = ? WHERE job_id = ?`)
	_, err := q.store.DB().Exec(query, store.Now(), jobID)
	if err != nil {
		return fmt.Errorf("mark job %s done: %w", jobID, err)
	}
	return nil
}

// MarkRetrying schedules a job for another attempt after delay, or marks
// it permanently failed if attempts have exhausted maxAttempts.
func (q *Queue) MarkRetrying(jobID string, attempts, maxAttempts int, delay time.Duration, lastErr string) error {
	now := store.Now()
	if attempts >= maxAttempts {
		query := rebind(q.store, `UPDATE run_jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE job_id = ?`)
		_, err := q.store.DB().Exec(query, lastErr, now, jobID)
		if err != nil {
			return fmt.Errorf("mark job %s failed: %w", jobID, err)
		}
		return nil
	}
	runAfter := now.Add(delay)
	query := rebind(q.store, `UPDATE run_jobs SET status = 'retrying', run_after = ?, last_error = ?,
		locked_by = '', locked_at = NULL, lock_expires_at = NULL, updated_at = ? WHERE job_id = ?`)
	_, err := q.store.DB().Exec(query, runAfter, lastErr, now, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s retrying: %w", jobID, err)
	}
	return nil
}

// ReclaimStalled resets any job whose lock_expires_at has passed back to
// queued, so a worker that died mid-execution does not strand its job
// forever. Called periodically by the leader.
func (q *Queue) ReclaimStalled() (int64, error) {
	query := rebind(q.store, `UPDATE run_jobs SET status = 'queued', locked_by = '', locked_at = NULL,
		lock_expires_at = NULL, updated_at = ?
		WHERE status IN ('claimed', 'running') AND lock_expires_at IS NOT NULL AND lock_expires_at < ?`)
	now := store.Now()
	res, err := q.store.DB().Exec(query, now, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stalled jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// rebind exposes store's placeholder-rewriting for queue's hand-written
// SQL without making the method itself exported from store.
func rebind(s *store.Store, query string) string {
	return s.Rebind(query)
}
