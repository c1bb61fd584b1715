package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goherd/internal/checkpoint"
	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/dnsapi"
	"github.com/nextlevelbuilder/goherd/internal/dockerintel"
	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/handoff"
	"github.com/nextlevelbuilder/goherd/internal/health"
	"github.com/nextlevelbuilder/goherd/internal/mcpserver"
	"github.com/nextlevelbuilder/goherd/internal/ports"
	"github.com/nextlevelbuilder/goherd/internal/registry"
	"github.com/nextlevelbuilder/goherd/internal/scheduler"
	"github.com/nextlevelbuilder/goherd/internal/secrets"
	"github.com/nextlevelbuilder/goherd/internal/spawn"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/internal/store/pg"
	"github.com/nextlevelbuilder/goherd/internal/tmux"
	"github.com/nextlevelbuilder/goherd/internal/tracing"
	"github.com/nextlevelbuilder/goherd/internal/tunnel"
	"github.com/nextlevelbuilder/goherd/internal/upgrade"
)

var httpAddr string

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor runtime: MCP server plus background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve MCP over streamable HTTP on host:port instead of stdio")
	return cmd
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if httpAddr != "" {
		host, portStr, splitErr := net.SplitHostPort(httpAddr)
		if splitErr != nil {
			return fmt.Errorf("invalid --http address %q: %w", httpAddr, splitErr)
		}
		port, atoiErr := strconv.Atoi(portStr)
		if atoiErr != nil {
			return fmt.Errorf("invalid --http port %q", portStr)
		}
		cfg.Server.Transport = "http"
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	log := newLogger()

	if cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("GOHERD_POSTGRES_DSN environment variable is not set")
	}

	if cfg.Database.AutoMigrate {
		if err := migrateUp(ctx, cfg.Database.PostgresDSN); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	db, err := pg.Open(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if status, err := upgrade.CheckSchema(db); err != nil {
		log.Warn("serve.schema_check_failed", "error", err)
	} else if !status.Compatible {
		return fmt.Errorf("%s", upgrade.FormatError(status))
	}

	tracer, err := tracing.New(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	stores := pg.NewStores(db)

	logger := events.NewLogger(stores.Events, log)
	reg := registry.New(stores.Sessions, logger, log, cfg.Health.StaleTTL())
	checkpoints := checkpoint.New(stores.Checkpoints, log, cfg.Checkpoint.MaxAge()).
		WithGitCapture(func(ctx context.Context, instanceID string) (string, error) {
			sess, err := reg.Get(ctx, instanceID)
			if err != nil {
				return "", err
			}
			return filepath.Join(config.ExpandHome(cfg.Handoff.Root()), sess.Project), nil
		})
	tracker := spawn.NewTracker(stores.Spawns, log)
	sweeper := spawn.NewSweeper(stores.Spawns, log, cfg.Spawns.StallCutoff(), cfg.Spawns.AbandonCutoff())
	term := tmux.NewClient()
	orch := handoff.NewOrchestrator(term, reg, stores.Health, logger, log, cfg.Handoff)
	monitor := health.NewMonitor(reg, tracker, sweeper, term, orch, stores.Health, logger, log, cfg.Health)
	portDir := ports.NewDirectory(stores.Ports, log, cfg.Ports)
	vault := secrets.NewVault(cfg.Secrets, log)

	sched := scheduler.New(log)
	sched.Register("health-monitor", monitor.Run)
	sched.Register("checkpoint-retention", retentionWorker(checkpoints, cfg.Checkpoint, log))

	var intel *dockerintel.Intel
	if cfg.Docker.Enabled {
		intel, err = dockerintel.New(cfg.Docker, cfg.Tunnel.ContainerName, log)
		if err != nil {
			log.Warn("serve.docker_unavailable", "error", err)
		} else {
			sched.Register("docker-poller", intel.Run)
		}
	}

	tunnelMgr := buildTunnel(cfg, stores, intel, portDir, vault, logger, log, sched)

	srv := mcpserver.New(mcpserver.Deps{
		Registry:    reg,
		Events:      logger,
		Checkpoints: checkpoints,
		Spawns:      tracker,
		Health:      stores.Health,
		Ports:       portDir,
		Tunnel:      tunnelMgr,
		Secrets:     vault,
		Log:         log,
	}, cfg.Server, Version)
	sched.Register("mcp-server", srv.Serve)

	log.Info("serve.started", "version", Version, "workers", sched.Names())
	return sched.Run(ctx)
}

// buildTunnel assembles the CNAME stack when the Cloudflare integration
// is configured. Missing token or domains disables the tunnel tools but
// never the rest of the runtime.
func buildTunnel(cfg *config.Config, stores *store.Stores, intel *dockerintel.Intel,
	portDir *ports.Directory, vault *secrets.Vault, logger *events.Logger,
	log *slog.Logger, sched *scheduler.Scheduler) *tunnel.Manager {

	token := resolveDNSToken(cfg, vault)
	if token == "" || len(cfg.DNS.Domains) == 0 {
		log.Info("serve.tunnel_disabled", "reason", "no Cloudflare token or managed domains")
		return nil
	}
	if intel == nil {
		log.Warn("serve.tunnel_disabled", "reason", "docker topology poller unavailable")
		return nil
	}

	dnsCfg := cfg.DNS
	dnsCfg.APIToken = token
	dns, err := dnsapi.New(dnsCfg, log)
	if err != nil {
		log.Warn("serve.tunnel_disabled", "reason", "dns client", "error", err)
		return nil
	}

	ingress := tunnel.NewIngress(cfg.Tunnel)
	reloader := tunnel.NewReloader(cfg.Tunnel, log)
	restarts := tunnel.NewRestartManager(reloader, log)
	poller := tunnel.NewHealthPoller(cfg.Tunnel, reloader, restarts, log)
	sched.Register("tunnel-health", poller.Run)

	return tunnel.NewManager(stores.CNAMEs, dns, intel, portDir, ingress, reloader,
		logger, log, cfg.Tunnel, cfg.DNS.Domains)
}

// resolveDNSToken prefers the configured token (env overlay included)
// and falls back to the secrets vault, so a token stored via
// secrets.set works without any environment plumbing.
func resolveDNSToken(cfg *config.Config, vault *secrets.Vault) string {
	if cfg.DNS.APIToken != "" {
		return cfg.DNS.APIToken
	}
	token, err := vault.Get(secrets.KeyCloudflareDNSToken)
	if err != nil {
		return ""
	}
	return token
}

// retentionWorker runs checkpoint cleanup on the configured cron
// schedule, checking for dueness once a minute.
func retentionWorker(svc *checkpoint.Service, cfg config.CheckpointConfig, log *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		gron := gronx.New()
		expr := cfg.Cron()
		if !gron.IsValid(expr) {
			return fmt.Errorf("invalid cleanup_cron %q", expr)
		}
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				due, err := gron.IsDue(expr, now)
				if err != nil || !due {
					continue
				}
				res, err := svc.Cleanup(ctx, 0)
				if err != nil {
					log.Error("checkpoint.cleanup_failed", "error", err)
					continue
				}
				log.Info("checkpoint.cleanup_done", "deleted", res.Deleted, "bytes_freed", res.BytesFreed)
			}
		}
	}
}
