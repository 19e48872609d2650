package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutTriggerRegistration upserts a procedure's declared trigger, keyed by
// (procedure_id, version) identity folded into the row via TriggerID
// being deterministic when the caller supplies one (the trigger sync
// routine always does, derived from procedure_id+version).
func (s *Store) PutTriggerRegistration(t TriggerRegistration) (string, error) {
	if t.TriggerID == "" {
		t.TriggerID = uuid.NewString()
	}
	now := Now()
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	query := s.rebind(`INSERT INTO trigger_registrations
		(trigger_id, procedure_id, version, type, schedule, webhook_path, webhook_secret,
		 enabled, max_concurrent_runs, dedupe_window_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trigger_id) DO UPDATE SET
			type = excluded.type, schedule = excluded.schedule, webhook_path = excluded.webhook_path,
			webhook_secret = excluded.webhook_secret, enabled = excluded.enabled,
			max_concurrent_runs = excluded.max_concurrent_runs,
			dedupe_window_seconds = excluded.dedupe_window_seconds, updated_at = excluded.updated_at`)
	_, err := s.db.Exec(query, t.TriggerID, t.ProcedureID, t.Version, t.Type, t.Schedule,
		t.WebhookPath, t.WebhookSecret, t.Enabled, t.MaxConcurrentRuns, t.DedupeWindowSeconds,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("upsert trigger for %s@%s: %w", t.ProcedureID, t.Version, err)
	}
	return t.TriggerID, nil
}

// ListEnabledTriggersByType returns every enabled trigger of the given
// type, used at daemon startup to register cron jobs and webhook routes.
func (s *Store) ListEnabledTriggersByType(triggerType string) ([]TriggerRegistration, error) {
	query := s.rebind(`SELECT trigger_id, procedure_id, version, type, schedule, webhook_path,
		webhook_secret, enabled, max_concurrent_runs, dedupe_window_seconds, last_fired_at,
		created_at, updated_at
		FROM trigger_registrations WHERE type = ? AND enabled = ?`)
	rows, err := s.db.Query(query, triggerType, true)
	if err != nil {
		return nil, fmt.Errorf("list enabled %s triggers: %w", triggerType, err)
	}
	defer rows.Close()

	var out []TriggerRegistration
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTriggerByWebhookPath looks up the trigger registered to receive
// webhook deliveries at path.
func (s *Store) GetTriggerByWebhookPath(path string) (*TriggerRegistration, error) {
	query := s.rebind(`SELECT trigger_id, procedure_id, version, type, schedule, webhook_path,
		webhook_secret, enabled, max_concurrent_runs, dedupe_window_seconds, last_fired_at,
		created_at, updated_at
		FROM trigger_registrations WHERE webhook_path = ? AND type = 'webhook'`)
	row := s.db.QueryRow(query, path)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger by webhook path %s: %w", path, err)
	}
	return t, nil
}

// RecordWebhookDelivery inserts a delivery row for dedupe bookkeeping.
func (s *Store) RecordWebhookDelivery(triggerID, bodyHash, runID string) error {
	query := s.rebind(`INSERT INTO webhook_deliveries (delivery_id, trigger_id, body_hash, received_at, run_id)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(query, uuid.NewString(), triggerID, bodyHash, Now(), runID)
	if err != nil {
		return fmt.Errorf("record webhook delivery for trigger %s: %w", triggerID, err)
	}
	return nil
}

// SeenWebhookDelivery reports whether a delivery with this body hash has
// already been recorded for triggerID within windowSeconds, implementing
// the webhook dedupe-window requirement.
func (s *Store) SeenWebhookDelivery(triggerID, bodyHash string, windowSeconds int) (bool, error) {
	if windowSeconds <= 0 {
		return false, nil
	}
	cutoff := Now().Add(-durationSeconds(int64(windowSeconds)))
	query := s.rebind(`SELECT COUNT(*) FROM webhook_deliveries
		WHERE trigger_id = ? AND body_hash = ? AND received_at >= ?`)
	var n int
	if err := s.db.QueryRow(query, triggerID, bodyHash, cutoff).Scan(&n); err != nil {
		return false, fmt.Errorf("check webhook dedupe for trigger %s: %w", triggerID, err)
	}
	return n > 0, nil
}

// FindWebhookDeliveryRunID returns the run_id of the most recent delivery
// with this body hash recorded for triggerID within windowSeconds, or
// ErrNotFound if none — lets the webhook handler return the original
// run's id for a duplicate delivery instead of creating a new run.
func (s *Store) FindWebhookDeliveryRunID(triggerID, bodyHash string, windowSeconds int) (string, error) {
	if windowSeconds <= 0 {
		return "", ErrNotFound
	}
	cutoff := Now().Add(-durationSeconds(int64(windowSeconds)))
	query := s.rebind(`SELECT run_id FROM webhook_deliveries
		WHERE trigger_id = ? AND body_hash = ? AND received_at >= ?
		ORDER BY received_at DESC LIMIT 1`)
	var runID string
	err := s.db.QueryRow(query, triggerID, bodyHash, cutoff).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find webhook delivery run for trigger %s: %w", triggerID, err)
	}
	return runID, nil
}

// RecordTriggerFired stamps a scheduled trigger's last_fired_at, used as
// the anchor for the next cron.Next computation.
func (s *Store) RecordTriggerFired(triggerID string, firedAt time.Time) error {
	query := s.rebind(`UPDATE trigger_registrations SET last_fired_at = ?, updated_at = ? WHERE trigger_id = ?`)
	_, err := s.db.Exec(query, firedAt, Now(), triggerID)
	if err != nil {
		return fmt.Errorf("record trigger %s fired: %w", triggerID, err)
	}
	return nil
}

func scanTrigger(row scanner) (*TriggerRegistration, error) {
	var t TriggerRegistration
	var lastFiredAt sql.NullTime
	if err := row.Scan(&t.TriggerID, &t.ProcedureID, &t.Version, &t.Type, &t.Schedule, &t.WebhookPath,
		&t.WebhookSecret, &t.Enabled, &t.MaxConcurrentRuns, &t.DedupeWindowSeconds, &lastFiredAt,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.LastFiredAt = fromNullTime(lastFiredAt)
	return &t, nil
}
