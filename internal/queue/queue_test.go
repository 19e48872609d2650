package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ckp.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func TestEnqueueAndClaim(t *testing.T) {
	q, s := newTestQueue(t)
	runID, err := s.CreateRun(store.Run{ProcedureID: "proc.a", Version: "v1"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	jobID, err := q.Enqueue(runID, "start", 5, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if jobID == "" {
		t.Fatalf("expected non-empty job id")
	}

	claimed, err := q.Claim("worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatalf("expected a claimable job")
	}
	if claimed.RunID != runID {
		t.Fatalf("expected run id %s, got %s", runID, claimed.RunID)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempts=1 after first claim, got %d", claimed.Attempts)
	}

	second, err := q.Claim("worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no further claimable job, got %+v", second)
	}
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	claimed, err := q.Claim("worker-1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil on empty queue, got %+v", claimed)
	}
}

func TestMarkRetryingExhaustsToFailed(t *testing.T) {
	q, s := newTestQueue(t)
	runID, _ := s.CreateRun(store.Run{ProcedureID: "proc.a", Version: "v1"})
	jobID, _ := q.Enqueue(runID, "start", 5, 2, nil)
	claimed, _ := q.Claim("worker-1", 30*time.Second)
	if claimed == nil {
		t.Fatalf("expected claimed job")
	}

	if err := q.MarkRetrying(jobID, claimed.Attempts, claimed.MaxAttempts, time.Second, "boom"); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}
	reclaimed, err := q.Claim("worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim after retry: %v", err)
	}
	if reclaimed != nil {
		t.Fatalf("expected retry delay to prevent immediate reclaim")
	}

	if err := q.MarkRetrying(jobID, claimed.MaxAttempts, claimed.MaxAttempts, time.Second, "boom again"); err != nil {
		t.Fatalf("mark retrying to failed: %v", err)
	}
	final, err := q.Claim("worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim after exhaustion: %v", err)
	}
	if final != nil {
		t.Fatalf("expected no claimable job once retries are exhausted")
	}
}

func TestReclaimStalled(t *testing.T) {
	q, s := newTestQueue(t)
	runID, _ := s.CreateRun(store.Run{ProcedureID: "proc.a", Version: "v1"})
	jobID, _ := q.Enqueue(runID, "start", 5, 3, nil)

	claimed, err := q.Claim("worker-1", -time.Second) // already-expired lock
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %+v", err, claimed)
	}

	n, err := q.ReclaimStalled()
	if err != nil {
		t.Fatalf("reclaim stalled: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	reclaimed, err := q.Claim("worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("claim after reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.JobID != jobID {
		t.Fatalf("expected to reclaim job %s, got %+v", jobID, reclaimed)
	}
}
