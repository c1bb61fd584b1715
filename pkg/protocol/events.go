package protocol

// Event type tags written to the lineage store. Supervisors may log
// arbitrary tags; these are the ones the runtime itself emits or matches
// against.
const (
	EventUserMessage    = "user_message"
	EventAssistantStart = "assistant_start"
	EventSpawnDecision  = "spawn_decision"
	EventToolUse        = "tool_use"
	EventError          = "error"

	EventSessionStarted = "session_started"
	EventSessionClosed  = "session_closed"

	// Handoff cycle events: one per step, parent-chained so the whole
	// cycle reads as a single lineage rooted at the context probe.
	EventContextProbe    = "context_probe"
	EventHandoffTrigger  = "handoff_trigger"
	EventHandoffWait     = "handoff_wait"
	EventHandoffClear    = "handoff_clear"
	EventHandoffResume   = "handoff_resume"
	EventHandoffVerify   = "handoff_verify"
	EventHandoffComplete = "handoff_complete"
	EventHandoffFailed   = "handoff_failed"

	EventCNAMECreated = "cname_created"
	EventCNAMEDeleted = "cname_deleted"
	EventCNAMEFailed  = "cname_failed"
)

// Health check types and statuses (health_checks rows).
const (
	CheckSpawn        = "spawn"
	CheckContext      = "context"
	CheckHandoff      = "handoff"
	CheckOrphanedWork = "orphaned_work"

	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Spawn lifecycle statuses.
const (
	SpawnRunning   = "running"
	SpawnCompleted = "completed"
	SpawnFailed    = "failed"
	SpawnStalled   = "stalled"
	SpawnAbandoned = "abandoned"
)

// Checkpoint kinds.
const (
	CheckpointContextWindow  = "context_window"
	CheckpointEpicCompletion = "epic_completion"
	CheckpointManual         = "manual"
)

// Instance and transport types for supervisor sessions.
const (
	InstancePS = "PS"
	InstanceMS = "MS"

	TransportCLI = "cli"
	TransportSDK = "sdk"
)
