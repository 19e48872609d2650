// Package approval is the service layer around a run's human_approval
// pause points: recording a human's decision and waking the run back up
// for processing, and sweeping expired approvals so a run that nobody
// ever acts on does not wait forever.
package approval

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// resumePriority outranks ordinary queued work (default priority 5) so
// a run a human just unblocked does not sit behind a backlog of fresh
// triggers.
const resumePriority = 10

type Service struct {
	store *store.Store
	queue *queue.Queue
	log   *zap.Logger
}

func New(s *store.Store, q *queue.Queue, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, queue: q, log: log.Named("approval")}
}

// Decide records a human's approve/reject decision and requeues the
// run's job so a worker re-enters the human_approval node, finds the
// now-decided record, and continues past it.
func (s *Service) Decide(approvalID string, approved bool, decidedBy string) (*store.Approval, error) {
	a, err := s.store.Decide(approvalID, approved, decidedBy)
	if err != nil {
		return nil, fmt.Errorf("decide approval %s: %w", approvalID, err)
	}

	if err := s.wake(a.RunID, a.NodeID); err != nil {
		s.log.Error("failed to requeue run after approval decision",
			zap.String("run_id", a.RunID), zap.String("approval_id", approvalID), zap.Error(err))
		return a, fmt.Errorf("requeue run %s after decision: %w", a.RunID, err)
	}
	return a, nil
}

// ExpireAndWake sweeps every approval whose expires_at has passed,
// marks it expired, and requeues its run so the orchestrator routes it
// down the node's on_timeout edge. Intended to run on a periodic timer
// alongside the leader's other sweeps.
func (s *Service) ExpireAndWake() (int, error) {
	expired, err := s.store.ExpirePendingApprovals()
	if err != nil {
		return 0, fmt.Errorf("expire pending approvals: %w", err)
	}
	for _, a := range expired {
		if err := s.wake(a.RunID, a.NodeID); err != nil {
			s.log.Error("failed to requeue run after approval expiry",
				zap.String("run_id", a.RunID), zap.String("approval_id", a.ApprovalID), zap.Error(err))
		}
	}
	return len(expired), nil
}

// wake requeues the run's most recent job, or enqueues a fresh one if
// the run has none yet (a human_approval node reached by a run whose
// job history was never recorded, e.g. a manually-seeded test run).
func (s *Service) wake(runID, nodeID string) error {
	jobID, err := s.queue.LatestJobIDForRun(runID)
	if err == store.ErrNotFound {
		_, err := s.queue.Enqueue(runID, nodeID, resumePriority, 5, nil)
		return err
	}
	if err != nil {
		return err
	}
	return s.queue.Requeue(jobID, resumePriority, nil)
}

// StartExpirySweep runs ExpireAndWake on a fixed interval until stop is
// closed.
func (s *Service) StartExpirySweep(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n, err := s.ExpireAndWake(); err != nil {
				s.log.Error("approval expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("expired pending approvals", zap.Int("count", n))
			}
		}
	}
}
