package protocol

// Tool operation name constants, grouped the way the dispatch surface
// exposes them. Names are stable: supervisor-side clients hardcode them.

// Session operations
const (
	OpSessionInitialize         = "session.initialize"
	OpSessionHeartbeat          = "session.heartbeat"
	OpSessionUpdateContextUsage = "session.update_context_usage"
	OpSessionClose              = "session.close"
)

// Event operations
const (
	OpEventsLog         = "events.log"
	OpEventsRecent      = "events.recent"
	OpEventsParentChain = "events.parent_chain"
	OpEventsChildren    = "events.children"
	OpEventsSubtree     = "events.subtree"
)

// Checkpoint operations
const (
	OpCheckpointCreate  = "checkpoint.create"
	OpCheckpointGet     = "checkpoint.get"
	OpCheckpointList    = "checkpoint.list"
	OpCheckpointCleanup = "checkpoint.cleanup"
)

// Spawn operations
const (
	OpSpawnRegister = "spawn.register"
	OpSpawnComplete = "spawn.complete"
	OpSpawnList     = "spawn.list"
)

// Health operations
const (
	OpHealthRecord               = "health.record"
	OpHealthStalledSpawns        = "health.stalled_spawns"
	OpHealthSessionsNeedingCheck = "health.sessions_needing_check"
)

// Port operations (consumed contract, served for supervisor convenience)
const (
	OpPortsGetOrAllocate = "ports.get_or_allocate"
	OpPortsList          = "ports.list"
	OpPortsRelease       = "ports.release"
	OpPortsVerifyLive    = "ports.verify_live"
)

// Tunnel / CNAME operations
const (
	OpTunnelStatus       = "tunnel.status"
	OpTunnelRequestCNAME = "tunnel.request_cname"
	OpTunnelDeleteCNAME  = "tunnel.delete_cname"
	OpTunnelListCNAMEs   = "tunnel.list_cnames"
	OpTunnelListDomains  = "tunnel.list_domains"
)

// Secrets operations (consumed)
const (
	OpSecretsGet = "secrets.get"
	OpSecretsSet = "secrets.set"
)
