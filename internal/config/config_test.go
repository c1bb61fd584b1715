package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Transport != "stdio" {
		t.Errorf("transport = %q, want stdio", cfg.Server.Transport)
	}
	if got := cfg.Health.ProbeInterval(); got != 10*time.Minute {
		t.Errorf("probe interval = %v, want 10m", got)
	}
	lo, hi := cfg.Ports.Range()
	if lo != 18000 || hi != 18999 {
		t.Errorf("port range = %d..%d, want 18000..18999", lo, hi)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// tighter probes for this host
		health: { probe_every: "2m", retention_days: 7 },
		tunnel: { reload_mode: "container", container_name: "cloudflared" },
		dns: { domains: ["example.com"], max_concurrent: 2 },
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Health.ProbeInterval(); got != 2*time.Minute {
		t.Errorf("probe interval = %v, want 2m", got)
	}
	if cfg.Tunnel.Reload() != "container" {
		t.Errorf("reload mode = %q, want container", cfg.Tunnel.Reload())
	}
	if cfg.DNS.Concurrency() != 2 {
		t.Errorf("dns concurrency = %d, want 2", cfg.DNS.Concurrency())
	}
	if len(cfg.DNS.Domains) != 1 || cfg.DNS.Domains[0] != "example.com" {
		t.Errorf("domains = %v", cfg.DNS.Domains)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("GOHERD_POSTGRES_DSN", "postgres://env-wins")
	t.Setenv("GOHERD_DNS_DOMAINS", "a.com,b.com")
	t.Setenv("GOHERD_PORT", "9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.PostgresDSN != "postgres://env-wins" {
		t.Errorf("dsn = %q", cfg.Database.PostgresDSN)
	}
	if len(cfg.DNS.Domains) != 2 {
		t.Errorf("domains = %v", cfg.DNS.Domains)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestSaveNeverPersistsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Database.PostgresDSN = "postgres://secret"
	cfg.DNS.APIToken = "cf-token"

	path := filepath.Join(t.TempDir(), "out.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"postgres://secret", "cf-token"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("saved config contains secret %q", secret)
		}
	}
}

func TestDurationOrRejectsBadValues(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"garbage", 5 * time.Second},
		{"-1s", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := durationOr(tt.in, 5*time.Second); got != tt.want {
			t.Errorf("durationOr(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
