package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/handoff"
	"github.com/nextlevelbuilder/goherd/internal/registry"
	"github.com/nextlevelbuilder/goherd/internal/spawn"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

const (
	probeSettle   = 5 * time.Second
	probeCapture  = 30
	contextPrompt = "Health check: report your current context usage as a percentage " +
		"(for example \"context: 42%\") or as used/total tokens."
)

// terminal is the tmux surface the monitor needs for context probes and
// stall prompts.
type terminal interface {
	SendText(ctx context.Context, session, text string) error
	CapturePane(ctx context.Context, session string, lines int) (string, error)
	HasSession(ctx context.Context, session string) (bool, error)
}

// Monitor runs the periodic health pass: spawn sweep, per-session
// context probe, orphaned-work detection. Probes for one session are
// serialized; a probe that fires the handoff preempts the rest of that
// session's probes for the tick.
type Monitor struct {
	reg     *registry.Registry
	tracker *spawn.Tracker
	sweeper *spawn.Sweeper
	term    terminal
	orch    *handoff.Orchestrator
	health  store.HealthStore
	logger  *events.Logger
	log     *slog.Logger
	cfg     config.HealthConfig

	mu        sync.Mutex
	sessionMu map[string]*sync.Mutex
	prompted  map[string]bool // project/task_id already escalated to the PS

	sleep func(ctx context.Context, d time.Duration) error
}

func NewMonitor(reg *registry.Registry, tracker *spawn.Tracker, sweeper *spawn.Sweeper,
	term terminal, orch *handoff.Orchestrator, health store.HealthStore,
	logger *events.Logger, log *slog.Logger, cfg config.HealthConfig) *Monitor {
	return &Monitor{
		reg:       reg,
		tracker:   tracker,
		sweeper:   sweeper,
		term:      term,
		orch:      orch,
		health:    health,
		logger:    logger,
		log:       log,
		cfg:       cfg,
		sessionMu: map[string]*sync.Mutex{},
		prompted:  map[string]bool{},
		sleep:     sleepCtx,
	}
}

// Run is the worker loop; one pass per probe interval.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ProbeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.log.Error("health.pass_failed", "error", err)
			}
		}
	}
}

// RunOnce executes one full health pass.
func (m *Monitor) RunOnce(ctx context.Context) error {
	sessions, err := m.reg.ListActive(ctx)
	if err != nil {
		return err
	}

	m.sweepSpawns(ctx, sessions)

	var wg sync.WaitGroup
	for i := range sessions {
		s := sessions[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probeSession(ctx, &s)
		}()
	}
	wg.Wait()

	m.checkOrphanedWork(ctx, sessions)

	if deleted, err := m.health.DeleteOlderThan(ctx, time.Now().UTC().Add(-m.cfg.RetentionCutoff())); err != nil {
		m.log.Warn("health.retention_failed", "error", err)
	} else if deleted > 0 {
		m.log.Debug("health.retention", "deleted", deleted)
	}
	return nil
}

// sweepSpawns runs the output-file sweep, records per-project rows for
// fresh stalls, and escalates each stalled spawn to its PS exactly once.
func (m *Monitor) sweepSpawns(ctx context.Context, sessions []store.Session) {
	res, err := m.sweeper.Sweep(ctx)
	if err != nil {
		m.log.Error("health.spawn_sweep_failed", "error", err)
		return
	}

	byProject := map[string]*store.Session{}
	for i := range sessions {
		byProject[sessions[i].Project] = &sessions[i]
	}

	for _, key := range append(res.Stalled, res.Abandoned...) {
		project, taskID := splitSpawnKey(key)
		status := protocol.StatusCritical

		m.record(ctx, project, protocol.CheckSpawn, status, map[string]any{
			"task_id": taskID,
			"reason":  "no output change",
		}, "supervisor prompted to inspect")

		m.mu.Lock()
		already := m.prompted[key]
		m.prompted[key] = true
		m.mu.Unlock()
		if already {
			continue
		}
		if s, ok := byProject[project]; ok && s.SessionType == protocol.TransportCLI && s.SessionHandle != "" {
			prompt := fmt.Sprintf(
				"Spawn %s has produced no output for a while and looks stalled. "+
					"Inspect its output file and decide whether to kill or restart it.", taskID)
			if err := m.term.SendText(ctx, s.SessionHandle, prompt); err != nil {
				m.log.Warn("health.stall_prompt_failed", "project", project, "task_id", taskID, "error", err)
			}
		}
	}
}

// probeSession runs the context probe for one session under its lock.
func (m *Monitor) probeSession(ctx context.Context, s *store.Session) {
	lock := m.lockFor(s.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	if m.orch.InFlight(s.InstanceID) {
		m.log.Debug("health.probe_skipped_handoff", "instance_id", s.InstanceID)
		return
	}

	usage, err := m.readUsage(ctx, s)
	if err != nil {
		m.record(ctx, s.Project, protocol.CheckContext, protocol.StatusWarning, map[string]any{
			"error": err.Error(),
		}, "probe failed")
		m.log.Warn("health.context_probe_failed", "instance_id", s.InstanceID, "error", err)
		return
	}

	zone := handoff.Classify(usage)
	probeEv, evErr := m.logger.Log(ctx, events.LogRequest{
		InstanceID: s.InstanceID,
		EventType:  protocol.EventContextProbe,
		Data: map[string]any{
			"usage": usage,
			"zone":  zone.String(),
		},
	})
	if evErr != nil {
		m.log.Warn("health.probe_event_failed", "instance_id", s.InstanceID, "error", evErr)
	}

	m.record(ctx, s.Project, protocol.CheckContext, zone.HealthStatus(), map[string]any{
		"usage":          usage,
		"zone":           zone.String(),
		"recommendation": zone.Recommendation(),
	}, "")

	if zone.RequiresHandoff() {
		// Chain the whole cycle under this probe, and let the handoff
		// preempt anything else for this session.
		hctx := ctx
		if probeEv != nil {
			hctx = events.WithParent(ctx, probeEv.EventID)
		}
		fresh, gerr := m.reg.Get(ctx, s.InstanceID)
		if gerr != nil {
			m.log.Warn("health.handoff_session_gone", "instance_id", s.InstanceID, "error", gerr)
			return
		}
		if err := m.orch.Run(hctx, fresh); err != nil {
			m.log.Error("health.handoff_failed", "instance_id", s.InstanceID, "error", err)
		}
	}
}

// readUsage obtains a usage reading. CLI sessions are probed through
// tmux; SDK sessions self-report, so the registry value is current.
func (m *Monitor) readUsage(ctx context.Context, s *store.Session) (float64, error) {
	if s.SessionType != protocol.TransportCLI || s.SessionHandle == "" {
		return s.ContextUsage, nil
	}

	ok, err := m.term.HasSession(ctx, s.SessionHandle)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("tmux session %s is gone", s.SessionHandle)
	}
	if err := m.term.SendText(ctx, s.SessionHandle, contextPrompt); err != nil {
		return 0, err
	}
	if err := m.sleep(ctx, probeSettle); err != nil {
		return 0, err
	}
	pane, err := m.term.CapturePane(ctx, s.SessionHandle, probeCapture)
	if err != nil {
		return 0, err
	}
	rep, found := registry.ParseUsage(pane)
	if !found {
		return 0, fmt.Errorf("no usage figure in pane output")
	}
	updated, err := m.reg.UpdateContextUsage(ctx, s.InstanceID, rep)
	if err != nil {
		return 0, err
	}
	return updated.ContextUsage, nil
}

// checkOrphanedWork flags projects that still have running spawns but no
// live supervisor session.
func (m *Monitor) checkOrphanedWork(ctx context.Context, sessions []store.Session) {
	running, err := m.tracker.List(ctx, "", protocol.SpawnRunning)
	if err != nil {
		m.log.Warn("health.orphan_check_failed", "error", err)
		return
	}

	live := map[string]bool{}
	for _, s := range sessions {
		live[s.Project] = true
	}

	counts := map[string]int{}
	for _, sp := range running {
		if !live[sp.Project] {
			counts[sp.Project]++
		}
	}
	for project, n := range counts {
		m.record(ctx, project, protocol.CheckOrphanedWork, protocol.StatusWarning, map[string]any{
			"running_spawns": n,
		}, "no live supervisor session for this project")
		m.log.Warn("health.orphaned_work", "project", project, "running_spawns", n)
	}
}

func (m *Monitor) record(ctx context.Context, project, checkType, status string, details map[string]any, action string) {
	hc := &store.HealthCheck{
		Project:     project,
		CheckType:   checkType,
		Status:      status,
		Details:     details,
		ActionTaken: action,
	}
	if err := m.health.Record(ctx, hc); err != nil {
		m.log.Warn("health.record_failed", "project", project, "check_type", checkType, "error", err)
	}
}

func (m *Monitor) lockFor(instanceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.sessionMu[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		m.sessionMu[instanceID] = lock
	}
	return lock
}

func splitSpawnKey(key string) (project, taskID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
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
