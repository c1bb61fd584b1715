package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session is one live supervisor session row (table supervisor_sessions).
// Exclusively owned by the instance registry; everything else reads.
type Session struct {
	InstanceID           string     `json:"instance_id"`
	Project              string     `json:"project"`
	InstanceType         string     `json:"instance_type"` // "PS" or "MS"
	SessionType          string     `json:"session_type"`  // "cli" or "sdk"
	SessionHandle        string     `json:"session_handle"` // tmux session name or browser session id
	StartedAt            time.Time  `json:"started_at"`
	LastActivity         time.Time  `json:"last_activity"`
	LastContextCheck     *time.Time `json:"last_context_check,omitempty"`
	ContextUsage         float64    `json:"context_usage"` // 0..1
	EstimatedTokensUsed  int64      `json:"estimated_tokens_used"`
	EstimatedTokensTotal int64      `json:"estimated_tokens_total"`
}

// Event is an immutable append record in the lineage store. Lineage
// columns (Depth, RootUUID) are derived by the database trigger, never by
// Go code.
type Event struct {
	EventID     uuid.UUID      `json:"event_id"`
	InstanceID  string         `json:"instance_id"`
	EventType   string         `json:"event_type"`
	SequenceNum int64          `json:"sequence_num"`
	Timestamp   time.Time      `json:"timestamp"`
	EventData   map[string]any `json:"event_data,omitempty"`
	ParentUUID  *uuid.UUID     `json:"parent_uuid,omitempty"`
	RootUUID    uuid.UUID      `json:"root_uuid"`
	Depth       int            `json:"depth"`
}

// Checkpoint is an immutable work-state snapshot (table
// supervisor_checkpoints). WorkState is raw JSON so retrieval
// round-trips byte-for-byte and marshals as the object itself, not a
// base64 string.
type Checkpoint struct {
	CheckpointID         uuid.UUID       `json:"checkpoint_id"`
	InstanceID           string          `json:"instance_id"`
	Kind                 string          `json:"kind"` // context_window | epic_completion | manual
	SequenceNum          int64           `json:"sequence_num"`
	ContextWindowPercent float64         `json:"context_window_percent"` // 0..100
	CreatedAt            time.Time       `json:"created_at"`
	WorkState            json.RawMessage `json:"work_state"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
}

// Spawn is a child-agent lifecycle row (table active_spawns).
// (project, task_id) is unique.
type Spawn struct {
	ID               int64      `json:"id"`
	Project          string     `json:"project"`
	TaskID           string     `json:"task_id"`
	TaskType         string     `json:"task_type"`
	Description      string     `json:"description,omitempty"`
	SpawnTime        time.Time  `json:"spawn_time"`
	LastOutputChange time.Time  `json:"last_output_change"`
	OutputFile       string     `json:"output_file"`
	PID              *int       `json:"pid,omitempty"`
	Status           string     `json:"status"` // running|completed|failed|stalled|abandoned
	ExitCode         *int       `json:"exit_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// HealthCheck is an append-only audit row (table health_checks).
type HealthCheck struct {
	ID          int64          `json:"id"`
	Project     string         `json:"project"`
	CheckTime   time.Time      `json:"check_time"`
	CheckType   string         `json:"check_type"` // spawn|context|handoff|orphaned_work
	Status      string         `json:"status"`     // ok|warning|critical
	Details     map[string]any `json:"details,omitempty"`
	ActionTaken string         `json:"action_taken,omitempty"`
	PSResponse  string         `json:"ps_response,omitempty"`
}

// PortAssignment maps (project, service, hostname, protocol) to a port
// inside the project's assigned range (table port_assignments).
type PortAssignment struct {
	Project    string    `json:"project"`
	Service    string    `json:"service"`
	Hostname   string    `json:"hostname"`
	Protocol   string    `json:"protocol"`
	Port       int       `json:"port"`
	AssignedAt time.Time `json:"assigned_at"`
}

// CNAME is a committed DNS alias plus its ingress target (table cnames).
// The row is inserted only after all external effects succeeded.
type CNAME struct {
	ID          int64     `json:"id"`
	Subdomain   string    `json:"subdomain"`
	Domain      string    `json:"domain"`
	Target      string    `json:"target"`      // service URL, e.g. http://localhost:3105
	TargetType  string    `json:"target_type"` // localhost|container|external
	Project     string    `json:"project"`
	DNSRecordID string    `json:"dns_record_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Hostname returns the fully-qualified hostname of the CNAME.
func (c *CNAME) Hostname() string {
	return c.Subdomain + "." + c.Domain
}
