package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/internal/store/pg"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// Service owns checkpoint creation, retrieval and retention. Checkpoints
// are immutable once written; cleanup is the only delete path.
type Service struct {
	checkpoints store.CheckpointStore
	log         *slog.Logger
	maxAge      time.Duration

	// workdirFor maps an instance to its working directory for git
	// capture at create time. Nil disables capture.
	workdirFor func(ctx context.Context, instanceID string) (string, error)
}

func New(checkpoints store.CheckpointStore, log *slog.Logger, maxAge time.Duration) *Service {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &Service{checkpoints: checkpoints, log: log, maxAge: maxAge}
}

// WithGitCapture enables git-state capture on create for work states
// that do not already carry a git field.
func (s *Service) WithGitCapture(workdirFor func(ctx context.Context, instanceID string) (string, error)) *Service {
	s.workdirFor = workdirFor
	return s
}

// CreateRequest carries one checkpoint. WorkState is raw JSON from the
// supervisor; it is validated as JSON but otherwise stored untouched.
type CreateRequest struct {
	InstanceID           string
	Kind                 string
	ContextWindowPercent float64
	WorkState            json.RawMessage
	Metadata             map[string]any
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Checkpoint, error) {
	if req.InstanceID == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "instance_id is required")
	}
	switch req.Kind {
	case protocol.CheckpointContextWindow, protocol.CheckpointEpicCompletion, protocol.CheckpointManual:
	default:
		return nil, protocol.Errorf(protocol.KindValidation, "unknown checkpoint kind %q", req.Kind)
	}
	if req.ContextWindowPercent < 0 || req.ContextWindowPercent > 100 {
		return nil, protocol.Errorf(protocol.KindValidation,
			"context_window_percent %.2f out of range 0..100", req.ContextWindowPercent)
	}
	if len(req.WorkState) > 0 && !json.Valid(req.WorkState) {
		return nil, protocol.Errorf(protocol.KindValidation, "work_state is not valid JSON")
	}

	cp := &store.Checkpoint{
		InstanceID:           req.InstanceID,
		Kind:                 req.Kind,
		ContextWindowPercent: req.ContextWindowPercent,
		WorkState:            s.captureGit(ctx, req.InstanceID, req.WorkState),
		Metadata:             req.Metadata,
	}
	if err := s.checkpoints.Insert(ctx, cp); err != nil {
		if pg.IsForeignKeyViolation(err) {
			return nil, protocol.Errorf(protocol.KindNotFound, "session %s not found", req.InstanceID).
				WithRecommendation("initialize the session before checkpointing")
		}
		return nil, protocol.Errorf(protocol.KindInternal, "insert checkpoint: %v", err)
	}

	s.log.Info("checkpoint.created",
		"instance_id", cp.InstanceID,
		"checkpoint_id", cp.CheckpointID,
		"kind", cp.Kind,
		"seq", cp.SequenceNum,
		"percent", cp.ContextWindowPercent)
	return cp, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.Checkpoint, error) {
	cp, err := s.checkpoints.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.Errorf(protocol.KindNotFound, "checkpoint %s not found", id)
		}
		return nil, protocol.Errorf(protocol.KindInternal, "get checkpoint: %v", err)
	}
	return cp, nil
}

// Latest returns the newest checkpoint for an instance, any kind.
func (s *Service) Latest(ctx context.Context, instanceID string) (*store.Checkpoint, error) {
	list, err := s.List(ctx, instanceID, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, protocol.Errorf(protocol.KindNotFound, "no checkpoints for %s", instanceID)
	}
	return &list[0], nil
}

func (s *Service) List(ctx context.Context, instanceID, kind string, limit, offset int) ([]store.Checkpoint, error) {
	if instanceID == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "instance_id is required")
	}
	if kind != "" {
		switch kind {
		case protocol.CheckpointContextWindow, protocol.CheckpointEpicCompletion, protocol.CheckpointManual:
		default:
			return nil, protocol.Errorf(protocol.KindValidation, "unknown checkpoint kind %q", kind)
		}
	}
	out, err := s.checkpoints.List(ctx, instanceID, kind, limit, offset)
	if err != nil {
		return nil, protocol.Errorf(protocol.KindInternal, "list checkpoints: %v", err)
	}
	return out, nil
}

// CleanupResult reports one retention pass.
type CleanupResult struct {
	Deleted    int64 `json:"deleted"`
	BytesFreed int64 `json:"bytes_freed"`
}

// captureGit fills in the git field of a work state that lacks one.
// Capture failures degrade into a git.error entry, never into a failed
// create; a caller-supplied git field always wins.
func (s *Service) captureGit(ctx context.Context, instanceID string, ws json.RawMessage) json.RawMessage {
	if s.workdirFor == nil {
		return ws
	}
	state := map[string]any{}
	if len(ws) > 0 {
		if err := json.Unmarshal(ws, &state); err != nil {
			// Non-object work states stay untouched.
			return ws
		}
	}
	if _, ok := state["git"]; ok {
		return ws
	}

	var gs *GitState
	dir, err := s.workdirFor(ctx, instanceID)
	if err != nil {
		gs = &GitState{Error: fmt.Sprintf("workdir unavailable: %v", err)}
	} else {
		gs = CaptureGitState(ctx, dir)
	}
	state["git"] = gs

	out, err := json.Marshal(state)
	if err != nil {
		return ws
	}
	return out
}

// Cleanup deletes checkpoints older than the retention window. A
// positive maxAge overrides the configured one for this pass.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	count, bytes, err := s.checkpoints.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, protocol.Errorf(protocol.KindInternal, "checkpoint cleanup: %v", err)
	}
	if count > 0 {
		s.log.Info("checkpoint.cleanup", "deleted", count, "bytes_freed", bytes, "cutoff", cutoff)
	}
	return CleanupResult{Deleted: count, BytesFreed: bytes}, nil
}
