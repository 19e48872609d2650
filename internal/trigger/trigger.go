// Package trigger implements procedure trigger registrations and the
// two ways a run gets created automatically instead of by direct API
// call: a webhook delivery and a cron schedule. CRUD over
// TriggerRegistration and sync-from-procedure live here; the cron
// firing loop is in scheduler.go and the HMAC/dedupe webhook handling
// is in webhook.go.
package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

const (
	TypeManual    = "manual"
	TypeScheduled = "scheduled"
	TypeWebhook   = "webhook"
	TypeEvent     = "event"
	TypeFileWatch = "file_watch"
)

type Service struct {
	store *store.Store
	queue *queue.Queue
}

func New(s *store.Store, q *queue.Queue) *Service {
	return &Service{store: s, queue: q}
}

// SyncFromProcedure reconciles a published procedure's declared
// trigger into its TriggerRegistration row. Called once at publish
// time; trig is nil for procedures with no trigger config, in which
// case any previously-registered trigger for this exact version is
// left alone (there is no un-publish path that would need it removed).
func (s *Service) SyncFromProcedure(procedureID, version string, trig *ir.Trigger) error {
	if trig == nil {
		return nil
	}
	reg := store.TriggerRegistration{
		TriggerID:           deterministicTriggerID(procedureID, version),
		ProcedureID:         procedureID,
		Version:             version,
		Type:                trig.Type,
		Schedule:            trig.Schedule,
		WebhookSecret:       trig.WebhookSecret,
		Enabled:             trig.Enabled,
		MaxConcurrentRuns:   trig.MaxConcurrentRuns,
		DedupeWindowSeconds: trig.DedupeWindowSeconds,
	}
	if trig.Type == TypeWebhook {
		reg.WebhookPath = webhookPath(procedureID, version)
	}
	if _, err := s.store.PutTriggerRegistration(reg); err != nil {
		return fmt.Errorf("sync trigger for %s@%s: %w", procedureID, version, err)
	}
	return nil
}

func deterministicTriggerID(procedureID, version string) string {
	return fmt.Sprintf("trig-%s-%s", procedureID, version)
}

func webhookPath(procedureID, version string) string {
	return fmt.Sprintf("/triggers/webhook/%s/%s", procedureID, version)
}

// Fire enforces MaxConcurrentRuns, then creates and enqueues a run.
// Returns the new run's id.
func (s *Service) Fire(t store.TriggerRegistration, triggeredBy string, inputVars map[string]any) (string, error) {
	if t.MaxConcurrentRuns > 0 {
		active, err := s.store.CountActiveRunsForProcedure(t.ProcedureID)
		if err != nil {
			return "", fmt.Errorf("count active runs for %s: %w", t.ProcedureID, err)
		}
		if active >= t.MaxConcurrentRuns {
			return "", fmt.Errorf("procedure %s at max_concurrent_runs (%d)", t.ProcedureID, t.MaxConcurrentRuns)
		}
	}

	inputJSON, err := json.Marshal(inputVars)
	if err != nil {
		return "", fmt.Errorf("marshal trigger input vars: %w", err)
	}

	runID, err := s.store.CreateRun(store.Run{
		ProcedureID: t.ProcedureID,
		Version:     t.Version,
		TriggerType: t.Type,
		TriggeredBy: triggeredBy,
		InputVars:   inputJSON,
	})
	if err != nil {
		return "", fmt.Errorf("create run for trigger %s: %w", t.TriggerID, err)
	}

	if _, err := s.queue.Enqueue(runID, "", 5, 5, nil); err != nil {
		return "", fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return runID, nil
}
