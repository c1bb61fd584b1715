package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when the target row is absent.
// Component layers translate it into a protocol not_found error.
var ErrNotFound = errors.New("not found")

// Stores is the top-level container for all storage backends.
type Stores struct {
	Events      EventStore
	Sessions    SessionStore
	Checkpoints CheckpointStore
	Spawns      SpawnStore
	Health      HealthStore
	Ports       PortStore
	CNAMEs      CNAMEStore
}

// EventStore is the append-only lineage store. Inserts never retry here;
// errors propagate raw (the database trigger owns lineage invariants and
// cycle rejection).
type EventStore interface {
	// Append inserts one event. SequenceNum, Timestamp, RootUUID and
	// Depth of the returned event are database-assigned.
	Append(ctx context.Context, instanceID, eventType string, data map[string]any, parent *uuid.UUID) (*Event, error)
	Get(ctx context.Context, eventID uuid.UUID) (*Event, error)
	// ParentChain walks root→event, at most maxDepth rows.
	ParentChain(ctx context.Context, eventID uuid.UUID, maxDepth int) ([]Event, error)
	// Children returns immediate children ordered by timestamp.
	Children(ctx context.Context, eventID uuid.UUID) ([]Event, error)
	// Subtree returns descendants ordered by (depth, timestamp).
	Subtree(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]Event, error)
	// Recent returns the newest events for an instance, oldest first.
	Recent(ctx context.Context, instanceID string, limit int) ([]Event, error)
}

// SessionStore persists supervisor session rows.
type SessionStore interface {
	Register(ctx context.Context, s *Session) error
	Heartbeat(ctx context.Context, instanceID string, at time.Time) error
	// UpdateContextUsage also bumps last_context_check and last_activity.
	UpdateContextUsage(ctx context.Context, instanceID string, usage float64, tokensUsed, tokensTotal int64) error
	GetByInstance(ctx context.Context, instanceID string) (*Session, error)
	GetByProject(ctx context.Context, project string) (*Session, error)
	// ListActive returns sessions whose last_activity is within ttl.
	ListActive(ctx context.Context, ttl time.Duration) ([]Session, error)
	// Close deletes the session row; events and checkpoints cascade.
	Close(ctx context.Context, instanceID string) error
}

// CheckpointStore persists immutable work-state snapshots. There is
// deliberately no update method.
type CheckpointStore interface {
	// Insert assigns the per-instance sequence number in-statement and
	// fills it on cp.
	Insert(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, checkpointID uuid.UUID) (*Checkpoint, error)
	List(ctx context.Context, instanceID, kind string, limit, offset int) ([]Checkpoint, error)
	// DeleteOlderThan removes checkpoints created before cutoff and
	// reports (rows deleted, approximate bytes freed).
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, int64, error)
}

// SpawnStore persists child-agent lifecycle rows.
type SpawnStore interface {
	Register(ctx context.Context, s *Spawn) error
	Get(ctx context.Context, project, taskID string) (*Spawn, error)
	// Touch records fresh output-file activity for a running spawn.
	Touch(ctx context.Context, project, taskID string, at time.Time) error
	// Complete transitions running → completed/failed by exit code.
	Complete(ctx context.Context, project, taskID string, exitCode int, errMsg string) error
	// MarkStatus transitions running → stalled/abandoned.
	MarkStatus(ctx context.Context, project, taskID, status, errMsg string) error
	List(ctx context.Context, project, status string) ([]Spawn, error)
	ListRunning(ctx context.Context) ([]Spawn, error)
	// Stalled returns running spawns whose last_output_change is older
	// than cutoff.
	Stalled(ctx context.Context, project string, cutoff time.Time) ([]Spawn, error)
}

// HealthStore persists append-only health audit rows.
type HealthStore interface {
	Record(ctx context.Context, hc *HealthCheck) error
	ListRecent(ctx context.Context, project string, limit int) ([]HealthCheck, error)
	// LastByType returns the newest check of a type for a project, or
	// ErrNotFound.
	LastByType(ctx context.Context, project, checkType string) (*HealthCheck, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PortStore persists port assignments. Range policy lives in the port
// directory, not here.
type PortStore interface {
	Get(ctx context.Context, project, service string) (*PortAssignment, error)
	Insert(ctx context.Context, pa *PortAssignment) error
	List(ctx context.Context, project string) ([]PortAssignment, error)
	// UsedPorts returns every assigned port within [lo, hi].
	UsedPorts(ctx context.Context, lo, hi int) ([]int, error)
	Release(ctx context.Context, project, service string) error
}

// CNAMEStore persists committed CNAME rows.
type CNAMEStore interface {
	Insert(ctx context.Context, c *CNAME) error
	GetByHostname(ctx context.Context, subdomain, domain string) (*CNAME, error)
	List(ctx context.Context, project string) ([]CNAME, error)
	Delete(ctx context.Context, subdomain, domain string) error
}
