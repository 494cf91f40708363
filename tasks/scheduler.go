package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler promotes due scheduled tasks into their ready lanes.
// One tick completes before the next starts.
type Scheduler struct {
	queue    *Queue
	interval time.Duration
	logger   *zap.Logger

	mu sync.Mutex
}

// NewScheduler creates a scheduler ticking at the queue's TickInterval.
func NewScheduler(q *Queue, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:    q,
		interval: q.config.TickInterval,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// Tick promotes every task due at or before now and returns how many it
// promoted. A call overlapping a running tick is skipped and returns 0.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	if !s.mu.TryLock() {
		return 0
	}
	defer s.mu.Unlock()
	n := s.queue.promote(ctx, now)
	if n > 0 {
		s.logger.Debug("promoted scheduled tasks", zap.Int("count", n))
	}
	return n
}

// Run ticks until ctx is done. It wakes early when the next scheduled task
// is due before the regular interval.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		}

		s.Tick(ctx, s.queue.now())

		wait := s.interval
		if due, ok := s.queue.nextDue(); ok {
			if d := time.Until(due); d < wait {
				wait = max(d, time.Millisecond)
			}
		}
		timer.Reset(wait)
	}
}
