package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const stopGrace = 10 * time.Second

// Worker is a named background loop. Run blocks until ctx ends; a
// return of ctx.Err() is a clean shutdown, anything else is a crash.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler owns the runtime's long-lived workers: health monitor,
// tunnel health, docker poller, sweepers, retention. It starts them
// together and stops them together, with a grace period before giving
// up on stragglers.
type Scheduler struct {
	log     *slog.Logger
	workers []Worker
}

func New(log *slog.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Register adds a worker. Registration order is start order.
func (s *Scheduler) Register(name string, run func(ctx context.Context) error) {
	s.workers = append(s.workers, Worker{Name: name, Run: run})
}

// Names lists the registered workers.
func (s *Scheduler) Names() []string {
	out := make([]string, len(s.workers))
	for i, w := range s.workers {
		out[i] = w.Name
	}
	return out
}

// Run starts every worker and blocks until ctx is cancelled or a
// worker fails. One worker crashing stops the rest; the caller decides
// whether to restart the whole runtime.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range s.workers {
		g.Go(func() error {
			s.log.Info("scheduler.worker_started", "worker", w.Name)
			err := w.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("scheduler.worker_stopped", "worker", w.Name, "error", err)
				return err
			}
			s.log.Info("scheduler.worker_stopped", "worker", w.Name)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// ctx ended; give workers the grace period to drain.
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(stopGrace):
		s.log.Warn("scheduler.stop_grace_exceeded", "grace", stopGrace)
		return context.DeadlineExceeded
	}
}
