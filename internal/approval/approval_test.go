package approval

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "approval.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDecideRequeuesExistingJob(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	svc := New(s, q, zap.NewNop())

	approvalID, err := s.CreateApproval(store.Approval{RunID: "run-1", NodeID: "wait", Prompt: "ok?"})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	jobID, err := q.Enqueue("run-1", "wait", 0, 5, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim("worker-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.MarkDone(jobID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	a, err := svc.Decide(approvalID, true, "alice")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if a.Status != store.ApprovalApproved {
		t.Fatalf("expected approved, got %s", a.Status)
	}

	row := s.DB().QueryRow("SELECT status, priority FROM run_jobs WHERE job_id = ?", jobID)
	var status string
	var priority int
	if err := row.Scan(&status, &priority); err != nil {
		t.Fatalf("scan job: %v", err)
	}
	if status != "queued" {
		t.Fatalf("expected job requeued to queued, got %s", status)
	}
	if priority != resumePriority {
		t.Fatalf("expected priority %d, got %d", resumePriority, priority)
	}
}

func TestDecideEnqueuesWhenNoJobExists(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	svc := New(s, q, zap.NewNop())

	approvalID, err := s.CreateApproval(store.Approval{RunID: "run-2", NodeID: "wait", Prompt: "ok?"})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	if _, err := svc.Decide(approvalID, false, "bob"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	jobID, err := q.LatestJobIDForRun("run-2")
	if err != nil {
		t.Fatalf("latest job for run: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a job to have been enqueued")
	}
}

func TestExpireAndWakeRequeuesExpiredApprovals(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	svc := New(s, q, zap.NewNop())

	past := store.Now().Add(-time.Minute)
	approvalID, err := s.CreateApproval(store.Approval{RunID: "run-3", NodeID: "wait", Prompt: "ok?", ExpiresAt: &past})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if _, err := q.Enqueue("run-3", "wait", 0, 5, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := svc.ExpireAndWake()
	if err != nil {
		t.Fatalf("expire and wake: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired approval, got %d", n)
	}

	got, err := s.GetApproval(approvalID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if got.Status != store.ApprovalExpired {
		t.Fatalf("expected expired status, got %s", got.Status)
	}
}
