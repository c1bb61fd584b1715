// Package mcpserver exposes the runtime as an MCP tool surface.
// Every operation is a named tool; results and failures travel in a
// JSON envelope inside the tool result, so supervisors get structured
// error kinds and recommendations instead of opaque protocol errors.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/goherd/internal/checkpoint"
	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/ports"
	"github.com/nextlevelbuilder/goherd/internal/registry"
	"github.com/nextlevelbuilder/goherd/internal/secrets"
	"github.com/nextlevelbuilder/goherd/internal/spawn"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/internal/tunnel"
)

// Deps are the services the tool handlers delegate to. Tunnel may be
// nil when no Cloudflare token is present; its tools then answer with
// a configuration error instead of being absent from the listing.
type Deps struct {
	Registry    *registry.Registry
	Events      *events.Logger
	Checkpoints *checkpoint.Service
	Spawns      *spawn.Tracker
	Health      store.HealthStore
	Ports       *ports.Directory
	Tunnel      *tunnel.Manager
	Secrets     *secrets.Vault
	Log         *slog.Logger
}

type Server struct {
	mcp  *server.MCPServer
	deps Deps
	cfg  config.ServerConfig
	log  *slog.Logger
}

func New(deps Deps, cfg config.ServerConfig, version string) *Server {
	s := &Server{
		mcp: server.NewMCPServer("goherd", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithToolHandlerMiddleware(tracingMiddleware()),
		),
		deps: deps,
		cfg:  cfg,
		log:  deps.Log,
	}
	s.registerSessionTools()
	s.registerEventTools()
	s.registerCheckpointTools()
	s.registerSpawnTools()
	s.registerHealthTools()
	s.registerPortTools()
	s.registerTunnelTools()
	s.registerSecretTools()
	return s
}

// tracingMiddleware opens a span per tool call. With telemetry
// disabled the global provider is a no-op, so this costs nothing.
func tracingMiddleware() server.ToolHandlerMiddleware {
	tracer := otel.Tracer("goherd/mcpserver")
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ctx, span := tracer.Start(ctx, "tool "+req.Params.Name)
			defer span.End()
			res, err := next(ctx, req)
			if res != nil && res.IsError {
				span.SetAttributes(attribute.Bool("tool.error", true))
			}
			return res, err
		}
	}
}

// Serve blocks until ctx ends or the transport fails.
func (s *Server) Serve(ctx context.Context) error {
	switch s.cfg.Transport {
	case "", "stdio":
		s.log.Info("server.listening", "transport", "stdio")
		return server.ServeStdio(s.mcp)
	case "http":
		host := s.cfg.Host
		if host == "" {
			host = "127.0.0.1"
		}
		addr := fmt.Sprintf("%s:%d", host, s.cfg.Port)
		httpSrv := server.NewStreamableHTTPServer(s.mcp)
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.Start(addr) }()
		s.log.Info("server.listening", "transport", "http", "addr", addr)
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return httpSrv.Shutdown(context.Background())
		}
	default:
		return fmt.Errorf("unknown transport %q", s.cfg.Transport)
	}
}
