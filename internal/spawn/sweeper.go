package spawn

import (
	"context"
	"log/slog"
	"os"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// processFinder reports whether a PID is alive. Swapped in tests.
type processFinder func(pid int) (bool, error)

func defaultProcessFinder(pid int) (bool, error) {
	p, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

// Sweeper watches running spawns by output-file mtime only; file
// contents are never read. One pass per health-monitor tick.
type Sweeper struct {
	spawns       store.SpawnStore
	log          *slog.Logger
	stallAfter   time.Duration
	abandonAfter time.Duration
	findProcess  processFinder
	now          func() time.Time
}

func NewSweeper(spawns store.SpawnStore, log *slog.Logger, stallAfter, abandonAfter time.Duration) *Sweeper {
	if stallAfter <= 0 {
		stallAfter = 15 * time.Minute
	}
	if abandonAfter <= stallAfter {
		abandonAfter = time.Hour
	}
	return &Sweeper{
		spawns:       spawns,
		log:          log,
		stallAfter:   stallAfter,
		abandonAfter: abandonAfter,
		findProcess:  defaultProcessFinder,
		now:          time.Now,
	}
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Checked   int      `json:"checked"`
	Touched   int      `json:"touched"`
	Stalled   []string `json:"stalled,omitempty"`   // project/task_id
	Abandoned []string `json:"abandoned,omitempty"` // project/task_id
}

// Sweep examines every running spawn. Fresh output bumps
// last_output_change; prolonged silence stalls the spawn; prolonged
// silence with a dead (or missing) process abandons it.
func (w *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	running, err := w.spawns.ListRunning(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Checked: len(running)}
	now := w.now().UTC()

	for _, sp := range running {
		if mtime, ok := w.outputMtime(sp.OutputFile); ok && mtime.After(sp.LastOutputChange) {
			if err := w.spawns.Touch(ctx, sp.Project, sp.TaskID, mtime); err != nil {
				w.log.Warn("spawn.touch_failed", "project", sp.Project, "task_id", sp.TaskID, "error", err)
				continue
			}
			res.Touched++
			continue
		}

		idle := now.Sub(sp.LastOutputChange)
		switch {
		case idle >= w.abandonAfter && !w.processAlive(sp):
			if err := w.spawns.MarkStatus(ctx, sp.Project, sp.TaskID,
				protocol.SpawnAbandoned, "no output and no live process"); err != nil {
				w.log.Warn("spawn.abandon_failed", "project", sp.Project, "task_id", sp.TaskID, "error", err)
				continue
			}
			res.Abandoned = append(res.Abandoned, sp.Project+"/"+sp.TaskID)
			w.log.Warn("spawn.abandoned",
				"project", sp.Project, "task_id", sp.TaskID, "idle", idle.Round(time.Second))
		case idle >= w.stallAfter:
			if err := w.spawns.MarkStatus(ctx, sp.Project, sp.TaskID,
				protocol.SpawnStalled, "no output change"); err != nil {
				w.log.Warn("spawn.stall_failed", "project", sp.Project, "task_id", sp.TaskID, "error", err)
				continue
			}
			res.Stalled = append(res.Stalled, sp.Project+"/"+sp.TaskID)
			w.log.Warn("spawn.stalled",
				"project", sp.Project, "task_id", sp.TaskID, "idle", idle.Round(time.Second))
		}
	}
	return res, nil
}

func (w *Sweeper) outputMtime(path string) (time.Time, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime().UTC(), true
}

// processAlive is true only when a PID is recorded and still running.
// No PID means nothing to check, so a silent spawn can be abandoned.
func (w *Sweeper) processAlive(sp store.Spawn) bool {
	if sp.PID == nil {
		return false
	}
	alive, err := w.findProcess(*sp.PID)
	if err != nil {
		w.log.Warn("spawn.process_check_failed", "pid", *sp.PID, "error", err)
		return true // fail open: never abandon on a broken process table read
	}
	return alive
}
