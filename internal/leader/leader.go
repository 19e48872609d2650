// Package leader implements the DB-backed leader election every
// orchestrator worker process runs: a single named lease row, contended
// for via a three-path renew/steal/insert algorithm, renewed on a fixed
// interval well inside its TTL. Only the current leader runs the
// trigger scheduler and the stalled-job reclaim; every worker, leader or
// not, keeps heartbeating its own row in orchestrator_workers so the
// fleet's membership is always visible.
package leader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

const (
	leaseTTLSeconds    = 60
	renewInterval      = 15 * time.Second
	defaultLeaseName   = "scheduler"
)

// Election runs the renew/steal/insert loop for one worker process.
type Election struct {
	store    *store.Store
	log      *zap.Logger
	leaderID string
	hostname string
	leaseTTL int64

	isLeaderFlag atomic.Bool
	stop         chan struct{}
	done         chan struct{}
}

// New constructs an Election for this process. leaderID is generated as
// "<hostname>-<pid>-<random hex>" so it is both human-legible in logs and
// unique across restarts on the same host.
func New(s *store.Store, log *zap.Logger) *Election {
	host := hostname()
	return &Election{
		store:    s,
		log:      log.Named("leader"),
		leaderID: makeLeaderID(host),
		hostname: host,
		leaseTTL: leaseTTLSeconds,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-host"
	}
	return host
}

func makeLeaderID(host string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(buf))
}

// IsLeader reports whether this process currently holds the lease.
func (e *Election) IsLeader() bool {
	return e.isLeaderFlag.Load()
}

// LeaderID returns this process's contender id.
func (e *Election) LeaderID() string { return e.leaderID }

// Start launches the renew loop in a background goroutine. Call Stop to
// end it.
func (e *Election) Start(ctx context.Context) {
	go e.loop(ctx)
}

// Stop ends the renew loop and blocks until it has exited.
func (e *Election) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Election) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Election) tick(ctx context.Context) {
	won, err := e.tryAcquireOrRenew()
	if err != nil {
		e.log.Error("leader election attempt failed", zap.Error(err))
	}
	e.isLeaderFlag.Store(won)

	if won {
		if err := e.store.DemoteOtherWorkers(e.leaderID); err != nil {
			e.log.Error("failed to demote other workers after winning leadership", zap.Error(err))
		}
	}

	// Heartbeat the worker registry regardless of the outcome above: a
	// non-leader worker still needs to show up as alive.
	if err := e.store.UpsertOrchestratorWorker(e.leaderID, e.hostname, won); err != nil {
		e.log.Error("failed to heartbeat worker registry", zap.Error(err))
	}
}

// tryAcquireOrRenew implements the three-path algorithm: renew if we
// already hold it, steal if it has expired, insert if it has never
// existed. Exactly one of the three can succeed per tick.
func (e *Election) tryAcquireOrRenew() (bool, error) {
	if err := e.store.RenewLeaderLease(defaultLeaseName, e.leaderID, e.leaseTTL); err == nil {
		return true, nil
	} else if err != store.ErrConflict {
		return false, fmt.Errorf("renew: %w", err)
	}

	if err := e.store.StealLeaderLease(defaultLeaseName, e.leaderID, e.leaseTTL); err == nil {
		return true, nil
	} else if err != store.ErrConflict {
		return false, fmt.Errorf("steal: %w", err)
	}

	if err := e.store.InsertLeaderLease(defaultLeaseName, e.leaderID, e.leaseTTL); err == nil {
		return true, nil
	} else if err != store.ErrConflict {
		return false, fmt.Errorf("insert: %w", err)
	}

	return false, nil
}
