package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/usage-ledger/internal/pipeline"
)

// Scheduler runs a trigger on a fixed interval and on demand. Runs never
// overlap; kicks that arrive while a run is pending coalesce into one.
type Scheduler struct {
	trigger  Trigger
	interval time.Duration
	kick     chan struct{}

	mu      sync.Mutex
	last    *pipeline.Summary
	lastErr error
	runs    int
}

// NewScheduler creates a Scheduler. A non-positive interval means one hour.
func NewScheduler(t Trigger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		trigger:  t,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests a run as soon as possible. It returns false when a run is
// already pending.
func (s *Scheduler) Kick() bool {
	select {
	case s.kick <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run runs the trigger once immediately, then on every tick or kick. It
// blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "queue.local"))
	log.Info("starting scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx, log, "startup")
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runOnce(ctx, log, "interval")
		case <-s.kick:
			s.runOnce(ctx, log, "kick")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, log *zap.Logger, cause string) {
	if ctx.Err() != nil {
		return
	}
	sum, err := s.trigger.Run(ctx)

	s.mu.Lock()
	s.last, s.lastErr = sum, err
	s.runs++
	s.mu.Unlock()

	if err != nil {
		log.Warn("scheduled run failed", zap.String("cause", cause), zap.Error(err))
		return
	}
	log.Debug("scheduled run complete", zap.String("cause", cause))
}

// Status describes the most recent scheduled run.
type Status struct {
	Last *pipeline.Summary
	Err  error
	Runs int
}

// Status returns the outcome of the most recent run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Last: s.last, Err: s.lastErr, Runs: s.runs}
}
