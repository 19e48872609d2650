// Package worker implements the run_jobs polling loop: claim a job,
// drive its run to completion (or a pause/cancel) through the
// orchestrator, and retire the job row. A claimed job's node id is an
// informational resume hint, not an enforced single-hop boundary —
// ExecuteRun walks the whole run in one call, so "the run has more
// nodes to process" and "this job is done" are the same event.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/orchestrator"
	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// Runner abstracts the orchestrator for testing.
type Runner interface {
	ExecuteRun(ctx context.Context, runID string) error
}

type Option func(*Pool)

// WithConcurrency overrides the number of claim/execute goroutines.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval overrides the delay between empty-queue claim
// attempts.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithLockDuration overrides how long a claimed job's lock is held
// before ReclaimStalled considers it abandoned.
func WithLockDuration(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.lockDuration = d
		}
	}
}

// WithMaxAttempts overrides the default max attempts applied to jobs
// this pool marks retrying (the job row's own max_attempts still wins
// if it was set at enqueue time).
func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.defaultMaxAttempts = n
		}
	}
}

// WithRetryBaseDelay overrides the base delay used by the retry
// backoff (base * 2^(attempts-1), capped at maxRetryDelay).
func WithRetryBaseDelay(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.retryBaseDelay = d
		}
	}
}

const maxRetryDelay = 15 * time.Minute

// Pool is a fixed-size set of goroutines that claim and execute
// run_jobs. Only the leader runs ReclaimStalled; any worker, leader or
// not, may claim and execute jobs.
type Pool struct {
	id       string
	log      *zap.Logger
	queue    *queue.Queue
	store    *store.Store
	run      Runner
	isLeader func() bool

	concurrency        int
	pollInterval       time.Duration
	lockDuration       time.Duration
	defaultMaxAttempts int
	retryBaseDelay     time.Duration

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a worker pool. isLeader may be nil, in which case this
// pool never runs the stalled-job reclaim sweep — wire in
// Election.IsLeader from internal/leader when running more than one
// process against the same queue.
func New(s *store.Store, q *queue.Queue, run Runner, isLeader func() bool, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if isLeader == nil {
		isLeader = func() bool { return false }
	}
	return &Pool{
		id:                 makeWorkerID(),
		log:                log.Named("worker"),
		queue:              q,
		store:              s,
		run:                run,
		isLeader:           isLeader,
		concurrency:        10,
		pollInterval:       500 * time.Millisecond,
		lockDuration:       60 * time.Second,
		defaultMaxAttempts: 5,
		retryBaseDelay:     30 * time.Second,
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
}

func makeWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(buf))
}

// ID returns this pool's worker identity, used to lock claimed jobs.
func (p *Pool) ID() string { return p.id }

// Start launches the claim loop goroutines and the reclaim-stalled
// sweep in the background. Call Stop to end them and wait for in-flight
// jobs to finish.
func (p *Pool) Start(ctx context.Context, opts ...Option) {
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func(slot int) {
			defer p.wg.Done()
			p.claimLoop(ctx, slot)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reclaimLoop(ctx)
	}()

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
}

// Stop signals every goroutine to exit and blocks until they have.
func (p *Pool) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pool) claimLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			for p.claimAndRun(ctx) {
				// drain the queue before waiting out the next tick
				select {
				case <-ctx.Done():
					return
				case <-p.stop:
					return
				default:
				}
			}
		}
	}
}

// claimAndRun claims one job and executes it, returning true if a job
// was found (so the caller can immediately try for another) or false
// when the queue was empty.
func (p *Pool) claimAndRun(ctx context.Context) bool {
	job, err := p.queue.Claim(p.id, p.lockDuration)
	if err != nil {
		p.log.Error("claim failed", zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}

	log := p.log.With(zap.String("job_id", job.JobID), zap.String("run_id", job.RunID), zap.String("node_id", job.NodeID))
	log.Debug("claimed job")

	if err := p.queue.MarkRunning(job.JobID); err != nil {
		log.Error("mark running failed", zap.Error(err))
	}

	runErr := p.run.ExecuteRun(ctx, job.RunID)
	if runErr == nil || errors.Is(runErr, orchestrator.ErrCancelled) {
		if err := p.queue.MarkDone(job.JobID); err != nil {
			log.Error("mark done failed", zap.Error(err))
		}
		if runErr != nil {
			log.Info("run ended non-fatally", zap.Error(runErr))
		}
		return true
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.defaultMaxAttempts
	}
	delay := backoffDelay(p.retryBaseDelay, job.Attempts)
	log.Warn("run failed, scheduling retry", zap.Error(runErr), zap.Int("attempt", job.Attempts), zap.Int("max_attempts", maxAttempts), zap.Duration("delay", delay))
	if err := p.queue.MarkRetrying(job.JobID, job.Attempts, maxAttempts, delay, runErr.Error()); err != nil {
		log.Error("mark retrying failed", zap.Error(err))
	}
	return true
}

func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.lockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if !p.isLeader() {
				continue
			}
			n, err := p.queue.ReclaimStalled()
			if err != nil {
				p.log.Error("reclaim stalled jobs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.log.Info("reclaimed stalled jobs", zap.Int64("count", n))
			}
		}
	}
}
