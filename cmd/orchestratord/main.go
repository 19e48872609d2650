/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command orchestratord is the CKP run-the-graph daemon: it claims
// queued run_jobs, walks each run's compiled procedure through the
// executor set, and answers webhook deliveries and approval decisions
// over HTTP. Every process in a fleet runs the same binary; leader
// election promotes exactly one of them to own the stalled-job sweep
// and the scheduled-trigger cron loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marcus-qen/ckp-orchestrator/internal/approval"
	"github.com/marcus-qen/ckp-orchestrator/internal/cancel"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/orchestrator"
	"github.com/marcus-qen/ckp-orchestrator/internal/config"
	"github.com/marcus-qen/ckp-orchestrator/internal/leader"
	"github.com/marcus-qen/ckp-orchestrator/internal/llm"
	"github.com/marcus-qen/ckp-orchestrator/internal/mcp"
	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/registry"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
	"github.com/marcus-qen/ckp-orchestrator/internal/trigger"
	"github.com/marcus-qen/ckp-orchestrator/internal/worker"
)

func main() {
	var configPath string
	var listenAddr string
	var databaseDSN string
	var logLevel string
	var workerConcurrency int

	flag.StringVar(&configPath, "config", os.Getenv("CKP_CONFIG_PATH"), "Path to a JSON config file. Optional; env vars and defaults still apply.")
	flag.StringVar(&listenAddr, "listen-address", "", "Address the HTTP server (webhooks, approvals, health) binds to. Overrides config/env when set.")
	flag.StringVar(&databaseDSN, "database-dsn", "", "Database DSN. Overrides config/env when set.")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error. Overrides config/env when set.")
	flag.IntVar(&workerConcurrency, "worker-concurrency", 0, "Number of concurrent job-claim goroutines. 0 keeps the configured value.")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if databaseDSN != "" {
		cfg.DatabaseDSN = databaseDSN
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if workerConcurrency > 0 {
		cfg.Worker.Concurrency = workerConcurrency
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("orchestratord exited with error", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	s, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	q := queue.New(s)
	cancelReg := cancel.New()
	mcpManager := mcp.NewManager(zapr.NewLogger(log.Named("mcp")))
	dispatcher := registry.NewDispatcher(s, mcpManager)
	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	orch := orchestrator.New(s, dispatcher, llmClient, cancelReg)

	election := leader.New(s, log)
	isLeader := election.IsLeader

	pool := worker.New(s, q, orch, isLeader, log)
	approvalSvc := approval.New(s, q, log)
	triggerSvc := trigger.New(s, q)
	triggerScheduler := trigger.NewScheduler(triggerSvc, s, isLeader, log)

	mux := http.NewServeMux()
	registerRoutes(mux, s, approvalSvc, triggerSvc, log)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	election.Start(ctx)
	defer election.Stop()

	pool.Start(ctx,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPollInterval(time.Duration(cfg.Worker.PollIntervalMS)*time.Millisecond),
		worker.WithLockDuration(time.Duration(cfg.Worker.LockDurationSeconds)*time.Second),
		worker.WithMaxAttempts(cfg.Worker.MaxAttempts),
		worker.WithRetryBaseDelay(time.Duration(cfg.Worker.RetryDelaySeconds)*time.Second),
	)
	defer pool.Stop()

	triggerScheduler.Start()
	defer triggerScheduler.Stop()

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

func registerRoutes(mux *http.ServeMux, s *store.Store, approvalSvc *approval.Service, triggerSvc *trigger.Service, log *zap.Logger) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /triggers/webhook/", func(w http.ResponseWriter, r *http.Request) {
		full, err := readAll(r)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		result, err := triggerSvc.HandleWebhook(r.URL.Path, full, r.Header.Get("X-Signature"))
		if err != nil {
			log.Warn("webhook delivery rejected", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	})

	mux.HandleFunc("POST /approvals/{id}/decide", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Approved  bool   `json:"approved"`
			DecidedBy string `json:"decided_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "decode request", http.StatusBadRequest)
			return
		}
		a, err := approvalSvc.Decide(r.PathValue("id"), req.Approved, req.DecidedBy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, a)
	})
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
