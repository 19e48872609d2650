package store

import "fmt"

// migrate creates every table the orchestrator needs if it does not
// already exist. There is deliberately no versioned migration ladder yet:
// every statement is CREATE TABLE / CREATE INDEX IF NOT EXISTS, so
// columns added to an existing table are not applied to an already
// created database.
func (s *Store) migrate() error {
	stmts := s.schemaStatements()
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\n%s", err, stmt)
		}
	}
	return nil
}

func (s *Store) schemaStatements() []string {
	text := "TEXT"
	jsonType := "TEXT"
	pk := "TEXT PRIMARY KEY"
	boolType := "INTEGER"
	if s.dialect == Postgres {
		jsonType = "JSONB"
		boolType = "BOOLEAN"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS projects (
			id            %s,
			name          %s NOT NULL,
			description   %s NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`, pk, text, text),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS procedures (
			procedure_id   %s NOT NULL,
			version        %s NOT NULL,
			project_id     %s NOT NULL DEFAULT '',
			document       %s NOT NULL,
			compiled_ir    %s NOT NULL,
			status         %s NOT NULL DEFAULT 'draft',
			validation_errors %s NOT NULL DEFAULT '',
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL,
			PRIMARY KEY (procedure_id, version)
		)`, text, text, text, jsonType, jsonType, text, text),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs (
			run_id           %s,
			procedure_id     %s NOT NULL,
			version          %s NOT NULL,
			status           %s NOT NULL DEFAULT 'pending',
			trigger_type     %s NOT NULL DEFAULT 'manual',
			triggered_by     %s NOT NULL DEFAULT '',
			parent_run_id    %s NOT NULL DEFAULT '',
			current_node_id  %s NOT NULL DEFAULT '',
			input_vars       %s NOT NULL DEFAULT '{}',
			output_vars      %s NOT NULL DEFAULT '{}',
			vars_snapshot    %s NOT NULL DEFAULT '{}',
			error_message    %s NOT NULL DEFAULT '',
			prompt_tokens    INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd_micros  INTEGER NOT NULL DEFAULT 0,
			cancel_requested %s NOT NULL DEFAULT %s,
			started_at       TIMESTAMP,
			ended_at         TIMESTAMP,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		)`, pk, text, text, text, text, text, text, text, jsonType, jsonType, jsonType, text, boolType, falseLiteral(s.dialect)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_jobs (
			job_id          %s,
			run_id          %s NOT NULL,
			node_id         %s NOT NULL DEFAULT '',
			priority        INTEGER NOT NULL DEFAULT 5,
			status          %s NOT NULL DEFAULT 'queued',
			attempts        INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL DEFAULT 3,
			locked_by       %s NOT NULL DEFAULT '',
			locked_at       TIMESTAMP,
			lock_expires_at TIMESTAMP,
			run_after       TIMESTAMP,
			last_error      %s NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`, pk, text, text, text, text, text),

		`CREATE INDEX IF NOT EXISTS idx_run_jobs_claimable ON run_jobs(status, run_after, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_run_jobs_run ON run_jobs(run_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS step_idempotency (
			run_id       %s NOT NULL,
			node_id      %s NOT NULL,
			step_id      %s NOT NULL,
			idempotency_key %s NOT NULL,
			result       %s NOT NULL DEFAULT '{}',
			created_at   TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, node_id, step_id, idempotency_key)
		)`, text, text, text, text, jsonType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approvals (
			approval_id   %s,
			run_id        %s NOT NULL,
			node_id       %s NOT NULL,
			prompt        %s NOT NULL DEFAULT '',
			decision_type %s NOT NULL DEFAULT '',
			options       %s NOT NULL DEFAULT '[]',
			context_data  %s NOT NULL DEFAULT '{}',
			status        %s NOT NULL DEFAULT 'pending',
			decision      %s NOT NULL DEFAULT '',
			decided_by    %s NOT NULL DEFAULT '',
			decided_at    TIMESTAMP,
			expires_at    TIMESTAMP,
			created_at    TIMESTAMP NOT NULL
		)`, pk, text, text, text, text, jsonType, jsonType, text, text, text),

		`CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(status, expires_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_instances (
			agent_id              %s,
			name                  %s NOT NULL,
			channel               %s NOT NULL DEFAULT 'agent_http',
			endpoint              %s NOT NULL DEFAULT '',
			capabilities          %s NOT NULL DEFAULT '[]',
			max_concurrent        INTEGER NOT NULL DEFAULT 1,
			consecutive_failures  INTEGER NOT NULL DEFAULT 0,
			circuit_open_at       TIMESTAMP,
			last_used_at          TIMESTAMP,
			created_at            TIMESTAMP NOT NULL,
			updated_at            TIMESTAMP NOT NULL
		)`, pk, text, text, text, jsonType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resource_leases (
			lease_id     %s,
			resource_key %s NOT NULL,
			run_id       %s NOT NULL,
			node_id      %s NOT NULL,
			acquired_at  TIMESTAMP NOT NULL,
			expires_at   TIMESTAMP NOT NULL
		)`, pk, text, text, text),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_resource_leases_key ON resource_leases(resource_key)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS leader_lease (
			lease_name  %s,
			leader_id   %s NOT NULL,
			acquired_at TIMESTAMP NOT NULL,
			expires_at  TIMESTAMP NOT NULL
		)`, pk, text),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS orchestrator_workers (
			worker_id      %s,
			hostname       %s NOT NULL DEFAULT '',
			is_leader      %s NOT NULL DEFAULT %s,
			last_heartbeat TIMESTAMP NOT NULL,
			started_at     TIMESTAMP NOT NULL
		)`, pk, text, boolType, falseLiteral(s.dialect)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trigger_registrations (
			trigger_id     %s,
			procedure_id   %s NOT NULL,
			version        %s NOT NULL,
			type           %s NOT NULL,
			schedule       %s NOT NULL DEFAULT '',
			webhook_path   %s NOT NULL DEFAULT '',
			webhook_secret %s NOT NULL DEFAULT '',
			enabled        %s NOT NULL DEFAULT %s,
			max_concurrent_runs INTEGER NOT NULL DEFAULT 0,
			dedupe_window_seconds INTEGER NOT NULL DEFAULT 0,
			last_fired_at  TIMESTAMP,
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL
		)`, pk, text, text, text, text, text, text, boolType, trueLiteral(s.dialect)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			delivery_id  %s,
			trigger_id   %s NOT NULL,
			body_hash    %s NOT NULL,
			received_at  TIMESTAMP NOT NULL,
			run_id       %s NOT NULL DEFAULT ''
		)`, pk, text, text, text),
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_dedupe ON webhook_deliveries(trigger_id, body_hash, received_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS system_settings (
			key          %s,
			value        %s NOT NULL DEFAULT '',
			updated_at   TIMESTAMP NOT NULL
		)`, pk, text),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_events (
			event_id     %s,
			run_id       %s NOT NULL,
			event_type   %s NOT NULL,
			node_id      %s NOT NULL DEFAULT '',
			step_id      %s NOT NULL DEFAULT '',
			attempt      INTEGER NOT NULL DEFAULT 0,
			payload      %s NOT NULL DEFAULT '{}',
			ts           TIMESTAMP NOT NULL
		)`, pk, text, text, text, text, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, ts)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id  %s,
			run_id       %s NOT NULL,
			node_id      %s NOT NULL DEFAULT '',
			step_id      %s NOT NULL DEFAULT '',
			kind         %s NOT NULL DEFAULT '',
			uri          %s NOT NULL DEFAULT '',
			created_at   TIMESTAMP NOT NULL
		)`, pk, text, text, text, text, text),
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id)`,
	}
}

func falseLiteral(d Dialect) string {
	if d == Postgres {
		return "false"
	}
	return "0"
}

func trueLiteral(d Dialect) string {
	if d == Postgres {
		return "true"
	}
	return "1"
}
