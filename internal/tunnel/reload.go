package tunnel

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"log/slog"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

const reloadTimeout = 30 * time.Second

// Reloader restarts the tunnel daemon and checks that it came back.
// Two deployment shapes: a systemd unit on the host, or a container.
type Reloader struct {
	mode      string // "systemd" or "container"
	service   string
	container string
	log       *slog.Logger

	run func(ctx context.Context, name string, args ...string) (string, error)
}

func NewReloader(cfg config.TunnelConfig, log *slog.Logger) *Reloader {
	return &Reloader{
		mode:      cfg.Reload(),
		service:   cfg.Service(),
		container: cfg.ContainerName,
		log:       log,
		run:       runCommand,
	}
}

// Reload restarts the daemon and verifies it reports active/running.
func (r *Reloader) Reload(ctx context.Context) error {
	switch r.mode {
	case "container":
		name := r.container
		if name == "" {
			name = r.service
		}
		if _, err := r.run(ctx, "docker", "restart", name); err != nil {
			return protocol.Errorf(protocol.KindExternal, "restart container %s: %v", name, err)
		}
	default:
		if _, err := r.run(ctx, "systemctl", "restart", r.service); err != nil {
			return protocol.Errorf(protocol.KindExternal, "restart %s: %v", r.service, err)
		}
	}

	active, err := r.Active(ctx)
	if err != nil {
		return err
	}
	if !active {
		return protocol.Errorf(protocol.KindExternal,
			"tunnel daemon did not report active after restart").
			WithRecommendation("inspect the daemon logs (journalctl -u " + r.service + " or docker logs)")
	}
	r.log.Info("tunnel.reloaded", "mode", r.mode)
	return nil
}

// Active reports whether the daemon is up.
func (r *Reloader) Active(ctx context.Context) (bool, error) {
	switch r.mode {
	case "container":
		name := r.container
		if name == "" {
			name = r.service
		}
		out, err := r.run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name)
		if err != nil {
			return false, protocol.Errorf(protocol.KindExternal, "inspect container %s: %v", name, err)
		}
		return strings.TrimSpace(out) == "true", nil
	default:
		out, err := r.run(ctx, "systemctl", "is-active", r.service)
		// is-active exits non-zero for inactive units; the output still
		// says which state it is in.
		state := strings.TrimSpace(out)
		if state == "active" {
			return true, nil
		}
		if err != nil && state == "" {
			return false, protocol.Errorf(protocol.KindExternal, "systemctl is-active: %v", err)
		}
		return false, nil
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}
