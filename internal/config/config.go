package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the goherd supervisor runtime.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Health     HealthConfig     `json:"health,omitempty"`
	Handoff    HandoffConfig    `json:"handoff,omitempty"`
	Spawns     SpawnsConfig     `json:"spawns,omitempty"`
	Checkpoint CheckpointConfig `json:"checkpoint,omitempty"`
	Ports      PortsConfig      `json:"ports,omitempty"`
	Tunnel     TunnelConfig     `json:"tunnel,omitempty"`
	DNS        DNSConfig        `json:"dns,omitempty"`
	Docker     DockerConfig     `json:"docker,omitempty"`
	Secrets    SecretsConfig    `json:"secrets,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// ServerConfig configures the MCP tool server.
type ServerConfig struct {
	Transport string `json:"transport,omitempty"` // "stdio" (default) or "http"
	Host      string `json:"host,omitempty"`      // http transport only
	Port      int    `json:"port,omitempty"`      // http transport only
}

// DatabaseConfig configures Postgres.
// PostgresDSN is NEVER read from config.json (secret) — only from env GOHERD_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"` // from env GOHERD_POSTGRES_DSN only
	AutoMigrate bool   `json:"auto_migrate,omitempty"`
	MaxOpen     int    `json:"max_open,omitempty"` // default 10
	MaxIdle     int    `json:"max_idle,omitempty"` // default 5
}

// HealthConfig configures the periodic health monitor.
type HealthConfig struct {
	ProbeEvery      string `json:"probe_every,omitempty"`       // default "10m"
	SessionStaleTTL string `json:"session_stale_ttl,omitempty"` // default "1h"
	RetentionDays   int    `json:"retention_days,omitempty"`    // delete health rows older than N days (default 30)
}

func (h HealthConfig) ProbeInterval() time.Duration  { return durationOr(h.ProbeEvery, 10*time.Minute) }
func (h HealthConfig) StaleTTL() time.Duration       { return durationOr(h.SessionStaleTTL, time.Hour) }
func (h HealthConfig) RetentionCutoff() time.Duration {
	days := h.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// HandoffConfig configures the automated context handoff cycle.
// Step waits are duration strings so tests can shrink them.
type HandoffConfig struct {
	WorkspacesRoot  string `json:"workspaces_root,omitempty"`  // project checkouts live under <root>/<project> (default "~/work")
	WaitTimeout     string `json:"wait_timeout,omitempty"`     // max wait for the handoff file (default "5m")
	WaitPoll        string `json:"wait_poll,omitempty"`        // handoff dir poll interval (default "30s")
	FreshWindow     string `json:"fresh_window,omitempty"`     // handoff file must be newer than this (default "5m")
	InterruptSettle string `json:"interrupt_settle,omitempty"` // wait after Ctrl-C before /clear (default "2s")
	ClearSettle     string `json:"clear_settle,omitempty"`     // wait after /clear before resume (default "3s")
	VerifyWait      string `json:"verify_wait,omitempty"`      // wait before the verify query (default "60s")
	ClearCommand    string `json:"clear_command,omitempty"`    // host runtime clear command (default "/clear")
}

func (h HandoffConfig) Root() string {
	if h.WorkspacesRoot == "" {
		return "~/work"
	}
	return h.WorkspacesRoot
}

func (h HandoffConfig) WaitDeadline() time.Duration   { return durationOr(h.WaitTimeout, 5*time.Minute) }
func (h HandoffConfig) WaitPollEvery() time.Duration  { return durationOr(h.WaitPoll, 30*time.Second) }
func (h HandoffConfig) FreshFileWindow() time.Duration { return durationOr(h.FreshWindow, 5*time.Minute) }
func (h HandoffConfig) InterruptWait() time.Duration  { return durationOr(h.InterruptSettle, 2*time.Second) }
func (h HandoffConfig) ClearWait() time.Duration      { return durationOr(h.ClearSettle, 3*time.Second) }
func (h HandoffConfig) VerifyDelay() time.Duration    { return durationOr(h.VerifyWait, 60*time.Second) }

func (h HandoffConfig) Clear() string {
	if h.ClearCommand == "" {
		return "/clear"
	}
	return h.ClearCommand
}

// SpawnsConfig configures the spawn output sweeper.
type SpawnsConfig struct {
	StallAfter   string `json:"stall_after,omitempty"`   // no output change for this long => stalled (default "15m")
	AbandonAfter string `json:"abandon_after,omitempty"` // stalled + dead process for this long => abandoned (default "1h")
}

func (s SpawnsConfig) StallCutoff() time.Duration   { return durationOr(s.StallAfter, 15*time.Minute) }
func (s SpawnsConfig) AbandonCutoff() time.Duration { return durationOr(s.AbandonAfter, time.Hour) }

// CheckpointConfig configures checkpoint retention.
type CheckpointConfig struct {
	CleanupCron string `json:"cleanup_cron,omitempty"` // gronx expression (default "0 3 * * *")
	MaxAgeDays  int    `json:"max_age_days,omitempty"` // default 30
}

func (c CheckpointConfig) Cron() string {
	if c.CleanupCron == "" {
		return "0 3 * * *"
	}
	return c.CleanupCron
}

func (c CheckpointConfig) MaxAge() time.Duration {
	days := c.MaxAgeDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// PortsConfig configures the port directory allocation range.
type PortsConfig struct {
	RangeLo int `json:"range_lo,omitempty"` // default 18000
	RangeHi int `json:"range_hi,omitempty"` // default 18999
}

func (p PortsConfig) Range() (int, int) {
	lo, hi := p.RangeLo, p.RangeHi
	if lo <= 0 || hi <= 0 || lo > hi {
		return 18000, 18999
	}
	return lo, hi
}

// TunnelConfig configures the ingress file and the tunnel process lifecycle.
type TunnelConfig struct {
	IngressPath   string `json:"ingress_path,omitempty"`   // cloudflared config.yml (default "~/.cloudflared/config.yml")
	TunnelID      string `json:"tunnel_id,omitempty"`      // CNAME target: <tunnel_id>.cfargotunnel.com
	ReloadMode    string `json:"reload_mode,omitempty"`    // "systemd" (default) or "container"
	ServiceName   string `json:"service_name,omitempty"`   // systemd unit (default "cloudflared")
	ContainerName string `json:"container_name,omitempty"` // container mode only
	HealthURL     string `json:"health_url,omitempty"`     // cloudflared metrics/ready endpoint
	HealthEvery   string `json:"health_every,omitempty"`   // default "30s"
	HealthFails   int    `json:"health_fails,omitempty"`   // consecutive failures before restart (default 3)
}

func (t TunnelConfig) IngressFile() string {
	if t.IngressPath == "" {
		return "~/.cloudflared/config.yml"
	}
	return t.IngressPath
}

func (t TunnelConfig) Reload() string {
	if t.ReloadMode == "" {
		return "systemd"
	}
	return t.ReloadMode
}

func (t TunnelConfig) Service() string {
	if t.ServiceName == "" {
		return "cloudflared"
	}
	return t.ServiceName
}

func (t TunnelConfig) HealthInterval() time.Duration { return durationOr(t.HealthEvery, 30*time.Second) }

func (t TunnelConfig) FailThreshold() int {
	if t.HealthFails <= 0 {
		return 3
	}
	return t.HealthFails
}

// DNSConfig configures the Cloudflare DNS client.
// APIToken is NEVER read from config.json — only from env GOHERD_CLOUDFLARE_API_TOKEN.
type DNSConfig struct {
	APIToken      string   `json:"-"`                        // from env GOHERD_CLOUDFLARE_API_TOKEN only
	Domains       []string `json:"domains,omitempty"`        // managed apex domains
	MaxConcurrent int      `json:"max_concurrent,omitempty"` // per-domain in-flight ops (default 4)
	RatePerSecond float64  `json:"rate_per_second,omitempty"` // API call budget (default 4)
}

func (d DNSConfig) Concurrency() int64 {
	if d.MaxConcurrent <= 0 {
		return 4
	}
	return int64(d.MaxConcurrent)
}

func (d DNSConfig) Rate() float64 {
	if d.RatePerSecond <= 0 {
		return 4
	}
	return d.RatePerSecond
}

// DockerConfig configures the container topology poller.
type DockerConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	PollEvery  string `json:"poll_every,omitempty"`  // default "60s"
	StaleAfter string `json:"stale_after,omitempty"` // prune entries unseen for this long (default "5m")
}

func (d DockerConfig) PollInterval() time.Duration { return durationOr(d.PollEvery, 60*time.Second) }
func (d DockerConfig) StaleCutoff() time.Duration  { return durationOr(d.StaleAfter, 5*time.Minute) }

// SecretsConfig configures the file-backed secrets vault.
type SecretsConfig struct {
	Dir string `json:"dir,omitempty"` // default "~/.goherd/secrets"
}

func (s SecretsConfig) VaultDir() string {
	if s.Dir == "" {
		return "~/.goherd/secrets"
	}
	return s.Dir
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "goherd"
	Headers     map[string]string `json:"headers,omitempty"`      // auth headers for cloud backends
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
