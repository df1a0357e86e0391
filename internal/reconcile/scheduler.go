package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner performs one reconciliation pass. *Engine implements it.
type Runner interface {
	Run(ctx context.Context) (*RunReport, error)
}

// Scheduler starts runs periodically and on demand, never more than one at a
// time.
type Scheduler struct {
	runner   Runner
	lock     *RunLock
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex // protects last, stopping and wg.Add
	last     *RunReport
	stopping bool
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. An interval of zero disables periodic
// runs; Trigger still works.
func NewScheduler(runner Runner, lock *RunLock, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		lock:     lock,
		interval: interval,
		logger:   logger,
	}
}

// Start runs once immediately and then on every tick until ctx is done. A tick
// that finds a run in progress is skipped. Start blocks until ctx is done and
// any run it or Trigger started has returned. Trigger refuses new runs once
// Start is returning.
func (s *Scheduler) Start(ctx context.Context) {
	defer s.stop()

	s.runLocked(ctx, "scheduler")
	if s.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLocked(ctx, "scheduler")
		}
	}
}

// Trigger starts a run in the background on behalf of holder. It returns
// false without starting anything if a run is already in progress or the
// scheduler is stopping.
func (s *Scheduler) Trigger(ctx context.Context, holder string) bool {
	s.mu.Lock()
	if s.stopping || ctx.Err() != nil {
		s.mu.Unlock()
		s.logger.Info("Scheduler is stopping, not triggering", "requested_by", holder)
		return false
	}
	if !s.lock.TryLock(holder) {
		s.mu.Unlock()
		current, since := s.lock.Holder()
		s.logger.Info("Run already in progress, not triggering", "requested_by", holder, "holder", current, "since", since)
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.lock.Unlock()
		s.run(ctx, holder)
	}()
	return true
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every run started by Trigger has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// LastReport returns the report of the most recently finished run, or nil.
func (s *Scheduler) LastReport() *RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) runLocked(ctx context.Context, holder string) {
	if !s.lock.TryLock(holder) {
		current, since := s.lock.Holder()
		s.logger.Warn("Skipping scheduled run, previous run still in progress", "holder", current, "since", since)
		return
	}
	defer s.lock.Unlock()
	s.run(ctx, holder)
}

func (s *Scheduler) run(ctx context.Context, holder string) {
	report, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("Run failed", "triggered_by", holder, "error", err)
	}
	if report != nil {
		s.mu.Lock()
		s.last = report
		s.mu.Unlock()
	}
}
