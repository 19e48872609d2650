package trigger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "trigger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncFromProcedureRegistersWebhookTrigger(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, queue.New(s))

	trig := &ir.Trigger{
		Type:                TypeWebhook,
		WebhookSecret:       "WEBHOOK_SECRET",
		Enabled:             true,
		MaxConcurrentRuns:   2,
		DedupeWindowSeconds: 60,
	}
	if err := svc.SyncFromProcedure("proc-1", "v1", trig); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := s.GetTriggerByWebhookPath(webhookPath("proc-1", "v1"))
	if err != nil {
		t.Fatalf("get by webhook path: %v", err)
	}
	if got.ProcedureID != "proc-1" || got.Version != "v1" {
		t.Fatalf("unexpected trigger: %+v", got)
	}
	if !got.Enabled || got.MaxConcurrentRuns != 2 || got.DedupeWindowSeconds != 60 {
		t.Fatalf("fields not synced: %+v", got)
	}
}

func TestSyncFromProcedureIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, queue.New(s))

	trig := &ir.Trigger{Type: TypeScheduled, Schedule: "*/5 * * * *", Enabled: true}
	if err := svc.SyncFromProcedure("proc-1", "v1", trig); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	trig.Schedule = "0 * * * *"
	if err := svc.SyncFromProcedure("proc-1", "v1", trig); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	triggers, err := s.ListEnabledTriggersByType(TypeScheduled)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(triggers) != 1 {
		t.Fatalf("expected one trigger row after re-sync, got %d", len(triggers))
	}
	if triggers[0].Schedule != "0 * * * *" {
		t.Fatalf("expected updated schedule, got %s", triggers[0].Schedule)
	}
}

func TestSyncFromProcedureNilTriggerIsNoop(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, queue.New(s))
	if err := svc.SyncFromProcedure("proc-1", "v1", nil); err != nil {
		t.Fatalf("expected no error for nil trigger, got %v", err)
	}
	triggers, err := s.ListEnabledTriggersByType(TypeManual)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(triggers) != 0 {
		t.Fatalf("expected no trigger registered, got %d", len(triggers))
	}
}

func mustCreateProcedure(t *testing.T, s *store.Store, procedureID, version string) {
	t.Helper()
	if err := s.PutProcedure(store.Procedure{
		ProcedureID: procedureID,
		Version:     version,
		Document:    []byte(`{}`),
		CompiledIR:  []byte(`{}`),
		Status:      "published",
	}); err != nil {
		t.Fatalf("put procedure: %v", err)
	}
}

func TestFireCreatesAndEnqueuesRun(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	svc := New(s, q)
	mustCreateProcedure(t, s, "proc-1", "v1")

	reg := store.TriggerRegistration{TriggerID: "trig-1", ProcedureID: "proc-1", Version: "v1", Type: TypeManual}
	runID, err := svc.Fire(reg, "manual", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if runID == "" {
		t.Fatalf("expected a run id")
	}

	run, err := s.GetRun(runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.TriggerType != "manual" {
		t.Fatalf("expected trigger_type manual, got %s", run.TriggerType)
	}

	job, err := q.Claim("worker-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.RunID != runID {
		t.Fatalf("expected the fired run to be claimable, got %+v", job)
	}
}

func TestFireEnforcesMaxConcurrentRuns(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	svc := New(s, q)
	mustCreateProcedure(t, s, "proc-1", "v1")

	reg := store.TriggerRegistration{TriggerID: "trig-1", ProcedureID: "proc-1", Version: "v1", Type: TypeManual, MaxConcurrentRuns: 1}
	if _, err := svc.Fire(reg, "manual", nil); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if _, err := svc.Fire(reg, "manual", nil); err == nil {
		t.Fatalf("expected second fire to be rejected at max_concurrent_runs")
	}
}
