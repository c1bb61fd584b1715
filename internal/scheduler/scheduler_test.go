package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRunStopsAllOnCancel(t *testing.T) {
	s := New(discard())
	var running atomic.Int32

	for _, name := range []string{"a", "b", "c"} {
		s.Register(name, func(ctx context.Context) error {
			running.Add(1)
			defer running.Add(-1)
			<-ctx.Done()
			return ctx.Err()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for running.Load() != 3 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if running.Load() != 0 {
		t.Errorf("workers still running: %d", running.Load())
	}
}

func TestWorkerCrashStopsTheRest(t *testing.T) {
	s := New(discard())
	boom := errors.New("boom")

	s.Register("crasher", func(ctx context.Context) error { return boom })
	stopped := make(chan struct{})
	s.Register("bystander", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("bystander never stopped")
	}
}

func TestNames(t *testing.T) {
	s := New(discard())
	s.Register("health-monitor", nil)
	s.Register("docker-poller", nil)

	names := s.Names()
	if len(names) != 2 || names[0] != "health-monitor" || names[1] != "docker-poller" {
		t.Errorf("names = %v", names)
	}
}
