package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/registry"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// resumedMarker is the token the supervisor must echo after resuming.
const resumedMarker = "HANDOFF_RESUMED"

// terminal is the slice of the tmux client the orchestrator needs.
type terminal interface {
	SendText(ctx context.Context, session, text string) error
	Interrupt(ctx context.Context, session string) error
	CapturePane(ctx context.Context, session string, lines int) (string, error)
}

// Orchestrator drives the five-step context handoff against a CLI
// supervisor session. All steps run outside the supervisor: the runtime
// types into its tmux session.
type Orchestrator struct {
	term   terminal
	reg    *registry.Registry
	health store.HealthStore
	logger *events.Logger
	log    *slog.Logger
	cfg    config.HandoffConfig

	mu       sync.Mutex
	inflight map[string]bool

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	wait  func(ctx context.Context, dir string, fresh, timeout, poll time.Duration) (string, error)
}

func NewOrchestrator(term terminal, reg *registry.Registry, health store.HealthStore,
	logger *events.Logger, log *slog.Logger, cfg config.HandoffConfig) *Orchestrator {
	return &Orchestrator{
		term:     term,
		reg:      reg,
		health:   health,
		logger:   logger,
		log:      log,
		cfg:      cfg,
		inflight: map[string]bool{},
		sleep:    sleepCtx,
		wait:     waitForHandoffFile,
	}
}

// InFlight reports whether a handoff is currently running for the
// instance.
func (o *Orchestrator) InFlight(instanceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[instanceID]
}

// Run executes the full cycle for a session. A second request while one
// is in flight for the same instance is ignored.
func (o *Orchestrator) Run(ctx context.Context, session *store.Session) error {
	if session.SessionType != protocol.TransportCLI || session.SessionHandle == "" {
		return protocol.Errorf(protocol.KindValidation,
			"handoff requires a cli session with a tmux handle")
	}

	o.mu.Lock()
	if o.inflight[session.InstanceID] {
		o.mu.Unlock()
		o.log.Info("handoff.already_in_flight", "instance_id", session.InstanceID)
		return nil
	}
	o.inflight[session.InstanceID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, session.InstanceID)
		o.mu.Unlock()
	}()

	started := time.Now()
	trigger, err := o.logger.Log(ctx, events.LogRequest{
		InstanceID: session.InstanceID,
		EventType:  protocol.EventHandoffTrigger,
		Data: map[string]any{
			"context_usage": session.ContextUsage,
			"session":       session.SessionHandle,
		},
	})
	if err != nil {
		return err
	}
	// Step events form one unbroken chain: trigger → wait → clear →
	// resume → verify → complete, each the parent of the next.
	ctx = events.WithParent(ctx, trigger.EventID)

	file, ctx, err := o.runSteps(ctx, session)
	if err != nil {
		o.recordFailure(ctx, session, err, started)
		return err
	}

	// Fresh context: reset the registry reading.
	zero := 0.0
	if _, uerr := o.reg.UpdateContextUsage(ctx, session.InstanceID,
		registry.UsageReport{Percent: &zero}); uerr != nil {
		o.log.Warn("handoff.usage_reset_failed", "instance_id", session.InstanceID, "error", uerr)
	}

	o.stepEvent(ctx, session, protocol.EventHandoffComplete, map[string]any{
		"handoff_file": file,
		"duration_ms":  time.Since(started).Milliseconds(),
	})
	o.recordHealth(ctx, session, protocol.StatusOK, map[string]any{
		"handoff_file": file,
		"duration_ms":  time.Since(started).Milliseconds(),
		"usage_before": session.ContextUsage,
	}, "handoff completed")

	o.log.Info("handoff.complete",
		"instance_id", session.InstanceID,
		"file", file,
		"duration", time.Since(started).Round(time.Second))
	return nil
}

// stage wraps a step failure with the stage name for the audit row.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// runSteps returns the handoff file and the context carrying the last
// step event as ambient parent, so the caller's completion or failure
// event extends the same chain.
func (o *Orchestrator) runSteps(ctx context.Context, session *store.Session) (string, context.Context, error) {
	dir := o.handoffDir(session.Project)
	tmuxTarget := session.SessionHandle

	// Steps 1+2: trigger, then wait for the file. The trigger is the
	// only step that retries, once.
	var file string
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			o.log.Warn("handoff.trigger_retry", "instance_id", session.InstanceID)
		}
		if err := o.term.SendText(ctx, tmuxTarget, o.triggerPrompt(session, dir)); err != nil {
			lastErr = &stageError{"trigger", err}
			continue
		}
		ctx = o.stepEvent(ctx, session, protocol.EventHandoffWait, map[string]any{"dir": dir, "attempt": attempt + 1})

		path, err := o.wait(ctx, dir, o.cfg.FreshFileWindow(), o.cfg.WaitDeadline(), o.cfg.WaitPollEvery())
		if err != nil {
			lastErr = &stageError{"wait", err}
			continue
		}
		file = path
		lastErr = nil
		break
	}
	if lastErr != nil {
		return "", ctx, lastErr
	}

	// Step 3: interrupt, settle, clear, settle.
	ctx = o.stepEvent(ctx, session, protocol.EventHandoffClear, map[string]any{"handoff_file": file})
	if err := o.term.Interrupt(ctx, tmuxTarget); err != nil {
		return "", ctx, &stageError{"clear", err}
	}
	if err := o.sleep(ctx, o.cfg.InterruptWait()); err != nil {
		return "", ctx, &stageError{"clear", err}
	}
	if err := o.term.SendText(ctx, tmuxTarget, o.cfg.Clear()); err != nil {
		return "", ctx, &stageError{"clear", err}
	}
	if err := o.sleep(ctx, o.cfg.ClearWait()); err != nil {
		return "", ctx, &stageError{"clear", err}
	}

	// Step 4: resume.
	ctx = o.stepEvent(ctx, session, protocol.EventHandoffResume, map[string]any{"handoff_file": file})
	if err := o.term.SendText(ctx, tmuxTarget, o.resumePrompt(file)); err != nil {
		return "", ctx, &stageError{"resume", err}
	}

	// Step 5: verify.
	if err := o.sleep(ctx, o.cfg.VerifyDelay()); err != nil {
		return "", ctx, &stageError{"verify", err}
	}
	ctx = o.stepEvent(ctx, session, protocol.EventHandoffVerify, nil)
	if err := o.term.SendText(ctx, tmuxTarget, verifyPrompt); err != nil {
		return "", ctx, &stageError{"verify", err}
	}
	if err := o.sleep(ctx, o.cfg.ClearWait()); err != nil {
		return "", ctx, &stageError{"verify", err}
	}
	pane, err := o.term.CapturePane(ctx, tmuxTarget, 100)
	if err != nil {
		return "", ctx, &stageError{"verify", err}
	}
	if !strings.Contains(pane, resumedMarker) {
		return "", ctx, &stageError{"verify", protocol.Errorf(protocol.KindTimeout,
			"supervisor did not confirm resumption")}
	}
	return file, ctx, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, session *store.Session, err error, started time.Time) {
	stage := "unknown"
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	o.stepEvent(ctx, session, protocol.EventHandoffFailed, map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
	o.recordHealth(ctx, session, protocol.StatusCritical, map[string]any{
		"stage":       stage,
		"error":       err.Error(),
		"duration_ms": time.Since(started).Milliseconds(),
	}, "manual intervention required")
	o.log.Error("handoff.failed",
		"instance_id", session.InstanceID, "stage", stage, "error", err)
}

func (o *Orchestrator) recordHealth(ctx context.Context, session *store.Session, status string, details map[string]any, action string) {
	hc := &store.HealthCheck{
		Project:     session.Project,
		CheckType:   protocol.CheckHandoff,
		Status:      status,
		Details:     details,
		ActionTaken: action,
	}
	if err := o.health.Record(ctx, hc); err != nil {
		o.log.Warn("handoff.health_record_failed", "project", session.Project, "error", err)
	}
}

// stepEvent logs one step and returns a context with that event as the
// ambient parent, extending the chain. A failed log keeps the previous
// parent so the chain stays connected.
func (o *Orchestrator) stepEvent(ctx context.Context, session *store.Session, eventType string, data map[string]any) context.Context {
	ev, err := o.logger.Log(ctx, events.LogRequest{
		InstanceID: session.InstanceID,
		EventType:  eventType,
		Data:       data,
	})
	if err != nil {
		o.log.Warn("handoff.event_failed", "event_type", eventType, "error", err)
		return ctx
	}
	return events.WithParent(ctx, ev.EventID)
}

func (o *Orchestrator) handoffDir(project string) string {
	return filepath.Join(config.ExpandHome(o.cfg.Root()), project, ".bmad", "handoffs")
}

func (o *Orchestrator) triggerPrompt(session *store.Session, dir string) string {
	return fmt.Sprintf(
		"Context usage has reached %.0f%%. Stop what you are doing and write a handoff file "+
			"to %s/handoff-%s.md covering: current epic and phase, files in flight, git state, "+
			"pending commands, and anything needed to resume. Keep working only after it is written.",
		session.ContextUsage*100, dir, time.Now().UTC().Format("20060102-150405"))
}

func (o *Orchestrator) resumePrompt(file string) string {
	return fmt.Sprintf(
		"You are starting with a fresh context. Read %s and resume the work it describes. "+
			"Reply %s once you have loaded it.", file, resumedMarker)
}

const verifyPrompt = "Status check: reply " + resumedMarker +
	" if you have loaded the handoff file and resumed work."

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

