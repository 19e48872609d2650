package config

import (
	"testing"
)

func TestDefaultHasSaneWorkerSettings(t *testing.T) {
	cfg := Default()
	if cfg.Worker.Concurrency <= 0 {
		t.Fatal("expected a positive default worker concurrency")
	}
	if cfg.Leader.LeaseTTLSeconds <= 0 {
		t.Fatal("expected a positive default leader lease TTL")
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("CKP_LISTEN_ADDR", ":9090")
	t.Setenv("WORKER_CONCURRENCY", "25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("got %q", cfg.ListenAddr)
	}
	if cfg.Worker.Concurrency != 25 {
		t.Fatalf("got %d", cfg.Worker.Concurrency)
	}
}

func TestLoadMissingFilePathErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error reading a nonexistent config file")
	}
}
