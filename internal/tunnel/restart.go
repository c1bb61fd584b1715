package tunnel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// restartBackoff is the fixed escalation schedule between restart
// attempts. The last entry repeats until the daemon comes back.
var restartBackoff = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// RestartManager brings the tunnel daemon back after the health
// poller declares it dead. Attempts back off along restartBackoff and
// never give up; a success resets the schedule. Concurrent restart
// requests coalesce: whoever holds the mutex does the work, everyone
// else returns immediately.
type RestartManager struct {
	reload daemonReloader
	log    *slog.Logger

	mu  sync.Mutex
	idx int

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRestartManager(reload daemonReloader, log *slog.Logger) *RestartManager {
	return &RestartManager{
		reload: reload,
		log:    log,
		sleep:  sleepCtx,
	}
}

// Restart drives the daemon back to active, blocking until it
// succeeds or ctx ends. Returns immediately when another restart is
// already in progress.
func (r *RestartManager) Restart(ctx context.Context) error {
	if !r.mu.TryLock() {
		r.log.Debug("tunnel.restart_coalesced")
		return nil
	}
	defer r.mu.Unlock()

	for attempt := 1; ; attempt++ {
		delay := restartBackoff[r.idx]
		r.log.Warn("tunnel.restarting", "attempt", attempt, "delay", delay)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}

		if err := r.reload.Reload(ctx); err != nil {
			r.log.Error("tunnel.restart_failed", "attempt", attempt, "error", err)
			if r.idx < len(restartBackoff)-1 {
				r.idx++
			}
			continue
		}

		r.idx = 0
		r.log.Info("tunnel.restarted", "attempts", attempt)
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
