package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// Scheduler periodically checks every enabled scheduled trigger's cron
// expression against its last-fired time and fires the ones that are
// due. Singleton: only the leader should run it, so Start takes an
// isLeader check consulted on every tick.
type Scheduler struct {
	svc      *Service
	store    *store.Store
	log      *zap.Logger
	isLeader func() bool
	tick     time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(svc *Service, s *store.Store, isLeader func() bool, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Scheduler{
		svc:      svc,
		store:    s,
		log:      log.Named("trigger-scheduler"),
		isLeader: isLeader,
		tick:     30 * time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the check loop in a background goroutine until Stop.
func (sc *Scheduler) Start() {
	go sc.loop()
}

func (sc *Scheduler) Stop() {
	close(sc.stop)
	<-sc.done
}

func (sc *Scheduler) loop() {
	defer close(sc.done)
	ticker := time.NewTicker(sc.tick)
	defer ticker.Stop()

	for {
		select {
		case <-sc.stop:
			return
		case <-ticker.C:
			if !sc.isLeader() {
				continue
			}
			sc.checkAll()
		}
	}
}

func (sc *Scheduler) checkAll() {
	triggers, err := sc.store.ListEnabledTriggersByType(TypeScheduled)
	if err != nil {
		sc.log.Error("list scheduled triggers failed", zap.Error(err))
		return
	}

	now := store.Now()
	for _, t := range triggers {
		due, err := isTriggerDue(t.Schedule, t.LastFiredAt, t.CreatedAt, now)
		if err != nil {
			sc.log.Error("bad trigger schedule", zap.String("trigger_id", t.TriggerID), zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		runID, err := sc.svc.Fire(t, "scheduled", nil)
		if err != nil {
			sc.log.Error("fire scheduled trigger failed", zap.String("trigger_id", t.TriggerID), zap.Error(err))
			continue
		}
		if err := sc.store.RecordTriggerFired(t.TriggerID, now); err != nil {
			sc.log.Error("record trigger fired failed", zap.String("trigger_id", t.TriggerID), zap.Error(err))
		}
		sc.log.Info("fired scheduled trigger", zap.String("trigger_id", t.TriggerID), zap.String("run_id", runID))
	}
}

// isTriggerDue parses schedule as a standard 5-field cron expression
// and reports whether its next firing time at or after the anchor
// (lastFiredAt if set, else createdAt) has arrived.
func isTriggerDue(schedule string, lastFiredAt *time.Time, createdAt, now time.Time) (bool, error) {
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}
	anchor := createdAt.UTC()
	if lastFiredAt != nil {
		anchor = lastFiredAt.UTC()
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fmt.Errorf("parse cron schedule %q: %w", schedule, err)
	}
	next := spec.Next(anchor)
	return !next.After(now.UTC()), nil
}
