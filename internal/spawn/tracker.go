package spawn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/internal/store/pg"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// Tracker owns child-agent lifecycle rows. Spawns enter running and
// leave through exactly one of completed, failed, stalled or abandoned.
type Tracker struct {
	spawns store.SpawnStore
	log    *slog.Logger
}

func NewTracker(spawns store.SpawnStore, log *slog.Logger) *Tracker {
	return &Tracker{spawns: spawns, log: log}
}

// RegisterRequest records a freshly fired child agent.
type RegisterRequest struct {
	Project     string
	TaskID      string
	TaskType    string
	Description string
	OutputFile  string
	PID         *int
}

func (t *Tracker) Register(ctx context.Context, req RegisterRequest) (*store.Spawn, error) {
	if req.Project == "" || req.TaskID == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "project and task_id are required")
	}
	if req.OutputFile == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "output_file is required")
	}

	sp := &store.Spawn{
		Project:     req.Project,
		TaskID:      req.TaskID,
		TaskType:    req.TaskType,
		Description: req.Description,
		OutputFile:  req.OutputFile,
		PID:         req.PID,
	}
	if err := t.spawns.Register(ctx, sp); err != nil {
		if pg.IsUniqueViolation(err) || strings.Contains(err.Error(), "already") {
			return nil, protocol.Errorf(protocol.KindConflict,
				"spawn %s/%s already registered", req.Project, req.TaskID).
				WithRecommendation("complete or pick a different task_id")
		}
		return nil, protocol.Errorf(protocol.KindInternal, "register spawn: %v", err)
	}

	t.log.Info("spawn.registered",
		"project", sp.Project, "task_id", sp.TaskID, "task_type", sp.TaskType, "output", sp.OutputFile)
	return sp, nil
}

// Complete transitions running → completed (exit 0) or failed.
func (t *Tracker) Complete(ctx context.Context, project, taskID string, exitCode int, errMsg string) error {
	if project == "" || taskID == "" {
		return protocol.Errorf(protocol.KindValidation, "project and task_id are required")
	}
	if err := t.spawns.Complete(ctx, project, taskID, exitCode, errMsg); err != nil {
		return translateSpawnErr(ctx, t.spawns, err, project, taskID)
	}
	t.log.Info("spawn.completed", "project", project, "task_id", taskID, "exit_code", exitCode)
	return nil
}

func (t *Tracker) Get(ctx context.Context, project, taskID string) (*store.Spawn, error) {
	sp, err := t.spawns.Get(ctx, project, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.Errorf(protocol.KindNotFound, "spawn %s/%s not found", project, taskID)
		}
		return nil, protocol.Errorf(protocol.KindInternal, "get spawn: %v", err)
	}
	return sp, nil
}

func (t *Tracker) List(ctx context.Context, project, status string) ([]store.Spawn, error) {
	if status != "" && !validStatus(status) {
		return nil, protocol.Errorf(protocol.KindValidation, "unknown spawn status %q", status)
	}
	out, err := t.spawns.List(ctx, project, status)
	if err != nil {
		return nil, protocol.Errorf(protocol.KindInternal, "list spawns: %v", err)
	}
	return out, nil
}

// Stalled returns running spawns with no output activity since cutoff.
func (t *Tracker) Stalled(ctx context.Context, project string, idleFor time.Duration) ([]store.Spawn, error) {
	out, err := t.spawns.Stalled(ctx, project, time.Now().UTC().Add(-idleFor))
	if err != nil {
		return nil, protocol.Errorf(protocol.KindInternal, "stalled spawns: %v", err)
	}
	return out, nil
}

func validStatus(s string) bool {
	switch s {
	case protocol.SpawnRunning, protocol.SpawnCompleted, protocol.SpawnFailed,
		protocol.SpawnStalled, protocol.SpawnAbandoned:
		return true
	}
	return false
}

// translateSpawnErr distinguishes "no such spawn" from "spawn exists but
// already left running": both surface as zero rows updated.
func translateSpawnErr(ctx context.Context, spawns store.SpawnStore, err error, project, taskID string) error {
	if !errors.Is(err, store.ErrNotFound) {
		return protocol.Errorf(protocol.KindInternal, "spawn %s/%s: %v", project, taskID, err)
	}
	if sp, getErr := spawns.Get(ctx, project, taskID); getErr == nil {
		return protocol.Errorf(protocol.KindConflict,
			"spawn %s/%s is %s, not running", project, taskID, sp.Status)
	}
	return protocol.Errorf(protocol.KindNotFound, "spawn %s/%s not found", project, taskID)
}
