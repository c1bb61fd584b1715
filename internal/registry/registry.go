package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/internal/store/pg"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// Registry owns the supervisor session table: one session per project,
// registered at startup, heartbeated while alive, deleted on close.
type Registry struct {
	sessions store.SessionStore
	logger   *events.Logger
	log      *slog.Logger
	staleTTL time.Duration
}

func New(sessions store.SessionStore, logger *events.Logger, log *slog.Logger, staleTTL time.Duration) *Registry {
	if staleTTL <= 0 {
		staleTTL = time.Hour
	}
	return &Registry{sessions: sessions, logger: logger, log: log, staleTTL: staleTTL}
}

// InitializeRequest registers a new supervisor session.
type InitializeRequest struct {
	InstanceID    string // optional; derived from type+project when empty
	Project       string
	InstanceType  string // PS | MS
	SessionType   string // cli | sdk
	SessionHandle string // tmux session name (cli) or sdk session id
	TokensTotal   int64  // optional context window size
}

// Initialize registers the session and logs a session_started root event.
func (r *Registry) Initialize(ctx context.Context, req InitializeRequest) (*store.Session, error) {
	if req.Project == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "project is required")
	}
	switch req.InstanceType {
	case protocol.InstancePS, protocol.InstanceMS:
	default:
		return nil, protocol.Errorf(protocol.KindValidation,
			"instance_type must be %s or %s", protocol.InstancePS, protocol.InstanceMS)
	}
	switch req.SessionType {
	case protocol.TransportCLI, protocol.TransportSDK:
	default:
		return nil, protocol.Errorf(protocol.KindValidation,
			"session_type must be %s or %s", protocol.TransportCLI, protocol.TransportSDK)
	}
	if req.InstanceID == "" {
		req.InstanceID = fmt.Sprintf("%s-%s", strings.ToLower(req.InstanceType), req.Project)
	}

	s := &store.Session{
		InstanceID:           req.InstanceID,
		Project:              req.Project,
		InstanceType:         req.InstanceType,
		SessionType:          req.SessionType,
		SessionHandle:        req.SessionHandle,
		EstimatedTokensTotal: req.TokensTotal,
	}
	if err := r.sessions.Register(ctx, s); err != nil {
		if pg.IsUniqueViolation(err) || strings.Contains(err.Error(), "already") {
			return nil, protocol.Errorf(protocol.KindConflict,
				"project %s already has an active session", req.Project).
				WithRecommendation("close the existing session first, or reuse it via session.heartbeat")
		}
		return nil, protocol.Errorf(protocol.KindInternal, "register session: %v", err)
	}

	if _, err := r.logger.Log(ctx, events.LogRequest{
		InstanceID: s.InstanceID,
		EventType:  protocol.EventSessionStarted,
		Data: map[string]any{
			"project":        s.Project,
			"instance_type":  s.InstanceType,
			"session_type":   s.SessionType,
			"session_handle": s.SessionHandle,
		},
	}); err != nil {
		r.log.Warn("registry.session_event_failed", "instance_id", s.InstanceID, "error", err)
	}

	r.log.Info("registry.session_started",
		"instance_id", s.InstanceID, "project", s.Project, "type", s.InstanceType)
	return s, nil
}

// Heartbeat bumps last_activity.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return protocol.Errorf(protocol.KindValidation, "instance_id is required")
	}
	if err := r.sessions.Heartbeat(ctx, instanceID, time.Now().UTC()); err != nil {
		return translateSessionErr(err, instanceID)
	}
	return nil
}

// UpdateContextUsage records a usage report. Percent is authoritative
// when both forms are present.
func (r *Registry) UpdateContextUsage(ctx context.Context, instanceID string, rep UsageReport) (*store.Session, error) {
	if instanceID == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "instance_id is required")
	}
	usage, used, total, err := rep.normalize()
	if err != nil {
		return nil, err
	}
	if err := r.sessions.UpdateContextUsage(ctx, instanceID, usage, used, total); err != nil {
		return nil, translateSessionErr(err, instanceID)
	}
	return r.Get(ctx, instanceID)
}

func (r *Registry) Get(ctx context.Context, instanceID string) (*store.Session, error) {
	s, err := r.sessions.GetByInstance(ctx, instanceID)
	if err != nil {
		return nil, translateSessionErr(err, instanceID)
	}
	return s, nil
}

func (r *Registry) GetByProject(ctx context.Context, project string) (*store.Session, error) {
	s, err := r.sessions.GetByProject(ctx, project)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.Errorf(protocol.KindNotFound, "no session for project %s", project)
		}
		return nil, protocol.Errorf(protocol.KindInternal, "get session: %v", err)
	}
	return s, nil
}

// ListActive returns sessions with activity inside the stale TTL.
func (r *Registry) ListActive(ctx context.Context) ([]store.Session, error) {
	out, err := r.sessions.ListActive(ctx, r.staleTTL)
	if err != nil {
		return nil, protocol.Errorf(protocol.KindInternal, "list sessions: %v", err)
	}
	return out, nil
}

// SessionsNeedingCheck returns active sessions whose context usage has
// not been probed within olderThan.
func (r *Registry) SessionsNeedingCheck(ctx context.Context, olderThan time.Duration) ([]store.Session, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []store.Session
	for _, s := range active {
		if s.LastContextCheck == nil || s.LastContextCheck.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Close deletes the session; its events and checkpoints cascade away.
func (r *Registry) Close(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return protocol.Errorf(protocol.KindValidation, "instance_id is required")
	}
	if err := r.sessions.Close(ctx, instanceID); err != nil {
		return translateSessionErr(err, instanceID)
	}
	r.log.Info("registry.session_closed", "instance_id", instanceID)
	return nil
}

func translateSessionErr(err error, instanceID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Errorf(protocol.KindNotFound, "session %s not found", instanceID).
			WithRecommendation("initialize the session with session.initialize")
	}
	return protocol.Errorf(protocol.KindInternal, "session %s: %v", instanceID, err)
}
