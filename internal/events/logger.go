package events

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/internal/store/pg"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
	maxMessageChars    = 500
	maxChainDepth      = 1000
	maxSubtreeDepth    = 10
)

var sensitiveKey = regexp.MustCompile(`(?i)(api_key|apikey|secret|password|token|credential)`)

// Logger is the write/read surface over the event lineage store. It
// sanitizes payloads before insert and translates storage errors into
// protocol kinds.
type Logger struct {
	events store.EventStore
	log    *slog.Logger
}

func NewLogger(events store.EventStore, log *slog.Logger) *Logger {
	return &Logger{events: events, log: log}
}

// LogRequest describes one event append. Parent nil means "use the
// ambient parent from the context, or root if none".
type LogRequest struct {
	InstanceID string
	EventType  string
	Data       map[string]any
	Parent     *uuid.UUID
}

// Log appends an event. The sequence number, depth and root are
// assigned by the store; the returned event carries them.
func (l *Logger) Log(ctx context.Context, req LogRequest) (*store.Event, error) {
	if req.InstanceID == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "instance_id is required")
	}
	if req.EventType == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "event_type is required")
	}

	parent := req.Parent
	if parent == nil {
		if ambient, ok := ParentFromContext(ctx); ok {
			parent = &ambient
		}
	}

	ev, err := l.events.Append(ctx, req.InstanceID, req.EventType, sanitizeData(req.Data), parent)
	if err != nil {
		return nil, translateAppendErr(err)
	}

	l.log.Debug("events.logged",
		"instance_id", ev.InstanceID,
		"event_type", ev.EventType,
		"event_id", ev.EventID,
		"depth", ev.Depth,
		"seq", ev.SequenceNum)
	return ev, nil
}

// Recent returns the latest events for an instance in chronological
// order. Limit defaults to 50 and is capped at 1000.
func (l *Logger) Recent(ctx context.Context, instanceID string, limit int) ([]store.Event, error) {
	if instanceID == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "instance_id is required")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	evs, err := l.events.Recent(ctx, instanceID, limit)
	if err != nil {
		return nil, translateReadErr(err)
	}
	return evs, nil
}

// ParentChain returns the path from the root down to the given event,
// the event itself included. maxDepth caps the walk; it defaults to
// 1000 and never exceeds it.
func (l *Logger) ParentChain(ctx context.Context, eventID uuid.UUID, maxDepth int) ([]store.Event, error) {
	if maxDepth <= 0 || maxDepth > maxChainDepth {
		maxDepth = maxChainDepth
	}
	evs, err := l.events.ParentChain(ctx, eventID, maxDepth)
	if err != nil {
		return nil, translateReadErr(err)
	}
	return evs, nil
}

// Children returns the direct children of an event.
func (l *Logger) Children(ctx context.Context, eventID uuid.UUID) ([]store.Event, error) {
	if _, err := l.events.Get(ctx, eventID); err != nil {
		return nil, translateReadErr(err)
	}
	evs, err := l.events.Children(ctx, eventID)
	if err != nil {
		return nil, translateReadErr(err)
	}
	return evs, nil
}

// Subtree returns the event and all descendants, depth-first order.
// maxDepth caps the descendant levels; it defaults to 10 and never
// exceeds it.
func (l *Logger) Subtree(ctx context.Context, eventID uuid.UUID, maxDepth int) ([]store.Event, error) {
	if maxDepth <= 0 || maxDepth > maxSubtreeDepth {
		maxDepth = maxSubtreeDepth
	}
	evs, err := l.events.Subtree(ctx, eventID, maxDepth)
	if err != nil {
		return nil, translateReadErr(err)
	}
	return evs, nil
}

// sanitizeData redacts secret-bearing keys and truncates oversized
// message strings. The input map is not modified.
func sanitizeData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if sensitiveKey.MatchString(k) {
			out[k] = "[REDACTED]"
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = sanitizeData(val)
		case string:
			if k == "message" {
				out[k] = truncate(val, maxMessageChars)
			} else {
				out[k] = val
			}
		default:
			out[k] = v
		}
	}
	return out
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "...[truncated]"
}

func translateAppendErr(err error) error {
	switch {
	case pg.IsForeignKeyViolation(err), errors.Is(err, store.ErrNotFound):
		return protocol.Errorf(protocol.KindNotFound, "parent event does not exist").
			WithRecommendation("log the parent event first, or omit parent_uuid to start a new tree")
	case pg.IsCheckViolation(err):
		return protocol.Errorf(protocol.KindValidation, "event lineage rejected: %v", err)
	default:
		return protocol.Errorf(protocol.KindInternal, "append event: %v", err)
	}
}

func translateReadErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Errorf(protocol.KindNotFound, "event not found")
	}
	return protocol.Errorf(protocol.KindInternal, "read events: %v", err)
}
