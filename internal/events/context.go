package events

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

var parentKey contextKey

// WithParent returns a context carrying an ambient parent event. Events
// logged through this context without an explicit parent are linked
// under it, so a whole probe or handoff cycle forms one tree without
// threading UUIDs through every call.
func WithParent(ctx context.Context, parent uuid.UUID) context.Context {
	return context.WithValue(ctx, parentKey, parent)
}

// ParentFromContext returns the ambient parent event, if any.
func ParentFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(parentKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
