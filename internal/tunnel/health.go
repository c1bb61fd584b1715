package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/config"
)

// HealthPoller probes the tunnel daemon on an interval and hands it to
// the restart manager after enough consecutive failures.
type HealthPoller struct {
	reload   daemonReloader
	restarts *RestartManager
	log      *slog.Logger
	url      string
	interval time.Duration
	limit    int
	client   *http.Client

	fails int
}

func NewHealthPoller(cfg config.TunnelConfig, reload daemonReloader, restarts *RestartManager, log *slog.Logger) *HealthPoller {
	return &HealthPoller{
		reload:   reload,
		restarts: restarts,
		log:      log,
		url:      cfg.HealthURL,
		interval: cfg.HealthInterval(),
		limit:    cfg.FailThreshold(),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Run is the worker loop.
func (p *HealthPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *HealthPoller) tick(ctx context.Context) {
	if err := p.probe(ctx); err != nil {
		p.fails++
		p.log.Warn("tunnel.probe_failed", "consecutive", p.fails, "error", err)
		if p.fails >= p.limit {
			p.fails = 0
			// The restart blocks through the backoff schedule; run it
			// aside so probing resumes on schedule. Coalescing in the
			// manager keeps this single-flight.
			go func() {
				if err := p.restarts.Restart(ctx); err != nil {
					p.log.Error("tunnel.restart_aborted", "error", err)
				}
			}()
		}
		return
	}
	p.fails = 0
}

// probe prefers the daemon's ready endpoint when configured and falls
// back to process-level liveness.
func (p *HealthPoller) probe(ctx context.Context) error {
	if p.url == "" {
		active, err := p.reload.Active(ctx)
		if err != nil {
			return err
		}
		if !active {
			return fmt.Errorf("daemon inactive")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ready endpoint returned %d", resp.StatusCode)
	}
	return nil
}
