// Package config loads the orchestrator's configuration.
// Sources, in priority order: env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds all orchestratord configuration.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DatabaseDSN string `json:"database_dsn"`
	LogLevel   string `json:"log_level"`

	Worker WorkerConfig `json:"worker"`
	Leader LeaderConfig `json:"leader"`
	LLM    LLMConfig    `json:"llm,omitempty"`

	CheckpointRetentionDays int `json:"checkpoint_retention_days"`
	ArtifactRetentionDays   int `json:"artifact_retention_days"`

	WebhookSigningSecret string `json:"webhook_signing_secret,omitempty"`
}

// WorkerConfig configures the run_jobs polling worker pool.
type WorkerConfig struct {
	Concurrency            int `json:"concurrency"`
	PollIntervalMS         int `json:"poll_interval_ms"`
	LockDurationSeconds    int `json:"lock_duration_seconds"`
	HeartbeatIntervalMS    int `json:"heartbeat_interval_ms"`
	MaxAttempts            int `json:"max_attempts"`
	RetryDelaySeconds      int `json:"retry_delay_seconds"`
}

// LeaderConfig configures leader election.
type LeaderConfig struct {
	LeaseTTLSeconds    int `json:"lease_ttl_seconds"`
	RenewIntervalMS    int `json:"renew_interval_ms"`
}

// LLMConfig configures the default completion gateway used by llm_action
// nodes that don't override base_url/api_key themselves.
type LLMConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:  ":8080",
		DatabaseDSN: "./ckp-orchestrator.db",
		LogLevel:    "info",
		Worker: WorkerConfig{
			Concurrency:         10,
			PollIntervalMS:      500,
			LockDurationSeconds: 60,
			HeartbeatIntervalMS: 15000,
			MaxAttempts:         5,
			RetryDelaySeconds:   30,
		},
		Leader: LeaderConfig{
			LeaseTTLSeconds: 60,
			RenewIntervalMS: 15000,
		},
		CheckpointRetentionDays: 30,
		ArtifactRetentionDays:   90,
	}
}

// Load reads configuration from a JSON file (if path is non-empty and
// exists), then overlays environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("CKP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CKP_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("CKP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CKP_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CKP_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CKP_WEBHOOK_SIGNING_SECRET"); v != "" {
		cfg.WebhookSigningSecret = v
	}

	intEnv(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")
	intEnv(&cfg.Worker.PollIntervalMS, "WORKER_POLL_INTERVAL_MS")
	intEnv(&cfg.Worker.LockDurationSeconds, "WORKER_LOCK_DURATION_SECONDS")
	intEnv(&cfg.Worker.HeartbeatIntervalMS, "WORKER_HEARTBEAT_INTERVAL_MS")
	intEnv(&cfg.Worker.MaxAttempts, "WORKER_MAX_ATTEMPTS")
	intEnv(&cfg.Worker.RetryDelaySeconds, "WORKER_RETRY_DELAY_SECONDS")
	intEnv(&cfg.Leader.LeaseTTLSeconds, "LEADER_LEASE_TTL")
	intEnv(&cfg.Leader.RenewIntervalMS, "LEADER_RENEW_INTERVAL_MS")
	intEnv(&cfg.CheckpointRetentionDays, "CHECKPOINT_RETENTION_DAYS")
	intEnv(&cfg.ArtifactRetentionDays, "ARTIFACT_RETENTION_DAYS")

	return cfg, nil
}

// intEnv overwrites *dst with the integer value of the named env var, if
// set and parseable, leaving the default untouched otherwise.
func intEnv(dst *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return
	}
	*dst = parsed
}
