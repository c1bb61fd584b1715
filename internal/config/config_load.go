package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "stdio",
			Host:      "127.0.0.1",
			Port:      18870,
		},
		Database: DatabaseConfig{
			AutoMigrate: true,
			MaxOpen:     10,
			MaxIdle:     5,
		},
		Docker: DockerConfig{
			Enabled: true,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets: env-only, never persisted.
	envStr("GOHERD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("GOHERD_CLOUDFLARE_API_TOKEN", &c.DNS.APIToken)

	envStr("GOHERD_TRANSPORT", &c.Server.Transport)
	envStr("GOHERD_HOST", &c.Server.Host)
	if v := os.Getenv("GOHERD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("GOHERD_TUNNEL_ID", &c.Tunnel.TunnelID)
	envStr("GOHERD_INGRESS_PATH", &c.Tunnel.IngressPath)
	envStr("GOHERD_SECRETS_DIR", &c.Secrets.Dir)

	if v := os.Getenv("GOHERD_DNS_DOMAINS"); v != "" {
		c.DNS.Domains = strings.Split(v, ",")
	}

	// Telemetry
	envStr("GOHERD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOHERD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GOHERD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GOHERD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOHERD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// so they never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
