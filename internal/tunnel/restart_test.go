package tunnel

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type flakyReloader struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyReloader) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *flakyReloader) Active(context.Context) (bool, error) { return true, nil }

func newTestRestartManager(rel daemonReloader) (*RestartManager, *[]time.Duration) {
	rm := NewRestartManager(rel, slog.New(slog.DiscardHandler))
	var slept []time.Duration
	rm.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return rm, &slept
}

func TestRestartBackoffProgression(t *testing.T) {
	rel := &flakyReloader{failures: 6}
	rm, slept := newTestRestartManager(rel)

	if err := rm.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []time.Duration{
		5 * time.Second, 15 * time.Second, 30 * time.Second,
		60 * time.Second, 300 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	if len(*slept) != len(want) {
		t.Fatalf("delays = %v", *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}

	// Success reset the schedule: the next restart starts at 5s again.
	rel.mu.Lock()
	rel.calls, rel.failures = 0, 0
	rel.mu.Unlock()
	*slept = nil
	if err := rm.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*slept) != 1 || (*slept)[0] != 5*time.Second {
		t.Errorf("post-success delays = %v", *slept)
	}
}

func TestRestartCoalesces(t *testing.T) {
	rel := &flakyReloader{}
	rm := NewRestartManager(rel, slog.New(slog.DiscardHandler))

	release := make(chan struct{})
	rm.sleep = func(context.Context, time.Duration) error {
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- rm.Restart(context.Background()) }()

	// Wait for the first restart to take the lock.
	for {
		if !rm.mu.TryLock() {
			break
		}
		rm.mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	// A second request returns immediately without doing work.
	if err := rm.Restart(context.Background()); err != nil {
		t.Fatalf("coalesced restart: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if rel.calls != 1 {
		t.Errorf("reload calls = %d, want 1", rel.calls)
	}
}

func TestRestartHonorsContext(t *testing.T) {
	rel := &flakyReloader{failures: 100}
	rm, _ := newTestRestartManager(rel)
	ctx, cancel := context.WithCancel(context.Background())

	rm.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	if err := rm.Restart(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
