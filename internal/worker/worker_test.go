package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/orchestrator"
	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	errFn func(runID string) error
}

func (f *fakeRunner) ExecuteRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, runID)
	f.mu.Unlock()
	if f.errFn != nil {
		return f.errFn(runID)
	}
	return nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestClaimAndRunMarksJobDoneOnSuccess(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)

	jobID, err := q.Enqueue("run-1", "n1", 0, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runner := &fakeRunner{}
	p := New(s, q, runner, nil, zap.NewNop())

	if !p.claimAndRun(context.Background()) {
		t.Fatal("expected a job to be claimed")
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected ExecuteRun called once, got %d", runner.callCount())
	}

	row := s.DB().QueryRow("SELECT status FROM run_jobs WHERE job_id = ?", jobID)
	var status string
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan job status: %v", err)
	}
	if status != "done" {
		t.Fatalf("expected job status done, got %s", status)
	}
}

func TestClaimAndRunReturnsFalseOnEmptyQueue(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	runner := &fakeRunner{}
	p := New(s, q, runner, nil, zap.NewNop())

	if p.claimAndRun(context.Background()) {
		t.Fatal("expected no job to be claimable on an empty queue")
	}
}

func TestClaimAndRunSchedulesRetryOnFailure(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)

	jobID, err := q.Enqueue("run-2", "n1", 0, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runner := &fakeRunner{errFn: func(string) error { return errors.New("boom") }}
	p := New(s, q, runner, nil, zap.NewNop())
	p.retryBaseDelay = time.Millisecond

	if !p.claimAndRun(context.Background()) {
		t.Fatal("expected a job to be claimed")
	}

	row := s.DB().QueryRow("SELECT status, last_error FROM run_jobs WHERE job_id = ?", jobID)
	var status, lastErr string
	if err := row.Scan(&status, &lastErr); err != nil {
		t.Fatalf("scan job: %v", err)
	}
	if status != "retrying" {
		t.Fatalf("expected job status retrying, got %s", status)
	}
	if lastErr != "boom" {
		t.Fatalf("expected last_error 'boom', got %q", lastErr)
	}
}

func TestClaimAndRunFailsPermanentlyAfterMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)

	jobID, err := q.Enqueue("run-3", "n1", 0, 1, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runner := &fakeRunner{errFn: func(string) error { return errors.New("boom") }}
	p := New(s, q, runner, nil, zap.NewNop())

	if !p.claimAndRun(context.Background()) {
		t.Fatal("expected a job to be claimed")
	}

	row := s.DB().QueryRow("SELECT status FROM run_jobs WHERE job_id = ?", jobID)
	var status string
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan job: %v", err)
	}
	if status != "failed" {
		t.Fatalf("expected job status failed, got %s", status)
	}
}

func TestClaimAndRunTreatsCancellationAsDone(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)

	jobID, err := q.Enqueue("run-4", "n1", 0, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runner := &fakeRunner{errFn: func(string) error { return orchestrator.ErrCancelled }}
	p := New(s, q, runner, nil, zap.NewNop())

	if !p.claimAndRun(context.Background()) {
		t.Fatal("expected a job to be claimed")
	}

	row := s.DB().QueryRow("SELECT status FROM run_jobs WHERE job_id = ?", jobID)
	var status string
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan job: %v", err)
	}
	if status != "done" {
		t.Fatalf("expected cancelled run's job marked done, got %s", status)
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	d := backoffDelay(time.Second, 100)
	if d != maxRetryDelay {
		t.Fatalf("expected backoff to cap at %s, got %s", maxRetryDelay, d)
	}
}

func TestStartStopDrainsGoroutines(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	runner := &fakeRunner{}
	p := New(s, q, runner, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, WithConcurrency(2), WithPollInterval(5*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	p.Stop()
}
