package tunnel

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/goherd/internal/config"
)

// catchAllService is the terminal rule cloudflared requires at the end
// of the ingress list.
const catchAllService = "http_status:404"

// IngressRule is one ordered entry in the cloudflared config. A rule
// without a hostname is the catch-all.
type IngressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
	Path     string `yaml:"path,omitempty"`
}

// IngressConfig models the cloudflared config.yml fields the runtime
// touches. Unknown fields do not survive a rewrite, so the file should
// be owned by goherd once tunnel management is enabled.
type IngressConfig struct {
	Tunnel          string        `yaml:"tunnel,omitempty"`
	CredentialsFile string        `yaml:"credentials-file,omitempty"`
	Metrics         string        `yaml:"metrics,omitempty"`
	LogLevel        string        `yaml:"loglevel,omitempty"`
	Ingress         []IngressRule `yaml:"ingress"`
}

// Ingress reads and rewrites the tunnel daemon's config file. Writes
// are write-then-rename with a .bak of the previous version, so a crash
// mid-write never leaves a torn file.
type Ingress struct {
	path string
}

func NewIngress(cfg config.TunnelConfig) *Ingress {
	return &Ingress{path: config.ExpandHome(cfg.IngressFile())}
}

// Load parses the config file. It also returns the raw bytes so a
// caller can restore the exact prior contents on rollback. A missing
// file yields an empty config with just the catch-all.
func (i *Ingress) Load() (*IngressConfig, []byte, error) {
	raw, err := os.ReadFile(i.path)
	if os.IsNotExist(err) {
		return &IngressConfig{Ingress: []IngressRule{{Service: catchAllService}}}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read ingress config: %w", err)
	}
	var cfg IngressConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse ingress config %s: %w", i.path, err)
	}
	return &cfg, raw, nil
}

// Upsert inserts or replaces the rule for hostname, always ahead of the
// catch-all.
func (c *IngressConfig) Upsert(hostname, service string) {
	for idx := range c.Ingress {
		if c.Ingress[idx].Hostname == hostname && hostname != "" {
			c.Ingress[idx].Service = service
			return
		}
	}
	rule := IngressRule{Hostname: hostname, Service: service}
	if n := len(c.Ingress); n > 0 && c.Ingress[n-1].Hostname == "" {
		c.Ingress = append(c.Ingress[:n-1], rule, c.Ingress[n-1])
		return
	}
	// No catch-all yet: add the rule and a terminal 404.
	c.Ingress = append(c.Ingress, rule, IngressRule{Service: catchAllService})
}

// Remove drops the rule for hostname. Removing an absent hostname is a
// no-op; the catch-all is never removed.
func (c *IngressConfig) Remove(hostname string) {
	if hostname == "" {
		return
	}
	out := c.Ingress[:0]
	for _, r := range c.Ingress {
		if r.Hostname == hostname {
			continue
		}
		out = append(out, r)
	}
	c.Ingress = out
}

// Rule returns the service for hostname, or "".
func (c *IngressConfig) Rule(hostname string) string {
	for _, r := range c.Ingress {
		if r.Hostname == hostname {
			return r.Service
		}
	}
	return ""
}

// Save writes the config atomically and keeps the previous version as
// <path>.bak.
func (i *Ingress) Save(cfg *IngressConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal ingress config: %w", err)
	}
	return i.writeAtomic(data)
}

// Restore puts prior raw contents back, atomically. nil raw means the
// file did not exist before; it is removed.
func (i *Ingress) Restore(raw []byte) error {
	if raw == nil {
		err := os.Remove(i.path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return i.writeAtomic(raw)
}

func (i *Ingress) writeAtomic(data []byte) error {
	dir := filepath.Dir(i.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if prev, err := os.ReadFile(i.path); err == nil {
		if err := os.WriteFile(i.path+".bak", prev, 0644); err != nil {
			return fmt.Errorf("write ingress backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, i.path)
}
