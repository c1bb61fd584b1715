package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goherd/internal/tunnel"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func (s *Server) registerPortTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.OpPortsGetOrAllocate,
		mcp.WithDescription("Return the port assigned to (project, service), allocating the lowest free port in the project range on first use. Assignments are sticky."),
		mcp.WithString("project", mcp.Required()),
		mcp.WithString("service", mcp.Required()),
		mcp.WithString("hostname", mcp.Description("default localhost")),
		mcp.WithString("protocol", mcp.Description("default http")),
	), s.handlePortsGetOrAllocate)

	s.mcp.AddTool(mcp.NewTool(protocol.OpPortsList,
		mcp.WithDescription("List port assignments, optionally for one project."),
		mcp.WithString("project"),
	), s.handlePortsList)

	s.mcp.AddTool(mcp.NewTool(protocol.OpPortsRelease,
		mcp.WithDescription("Release a port assignment so the port can be reused."),
		mcp.WithString("project", mcp.Required()),
		mcp.WithString("service", mcp.Required()),
	), s.handlePortsRelease)

	s.mcp.AddTool(mcp.NewTool(protocol.OpPortsVerifyLive,
		mcp.WithDescription("Check whether something is actually listening on a port."),
		mcp.WithNumber("port", mcp.Required()),
		mcp.WithString("host", mcp.Description("default localhost")),
	), s.handlePortsVerifyLive)
}

func (s *Server) handlePortsGetOrAllocate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := req.RequireString("project")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "project is required")), nil
	}
	service, err := req.RequireString("service")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "service is required")), nil
	}
	pa, err := s.deps.Ports.GetOrAllocate(ctx, project, service,
		req.GetString("hostname", ""), req.GetString("protocol", ""))
	if err != nil {
		return failResult(err), nil
	}
	return okResult(pa), nil
}

func (s *Server) handlePortsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pas, err := s.deps.Ports.List(ctx, req.GetString("project", ""))
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"assignments": pas, "count": len(pas)}), nil
}

func (s *Server) handlePortsRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := req.RequireString("project")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "project is required")), nil
	}
	service, err := req.RequireString("service")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "service is required")), nil
	}
	if err := s.deps.Ports.Release(ctx, project, service); err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"project": project, "service": service, "released": true}), nil
}

func (s *Server) handlePortsVerifyLive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := req.RequireInt("port")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "port is required")), nil
	}
	live, err := s.deps.Ports.VerifyLive(ctx, req.GetString("host", ""), port)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"port": port, "live": live}), nil
}

func (s *Server) registerTunnelTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.OpTunnelStatus,
		mcp.WithDescription("Tunnel daemon state, ingress rule count and committed CNAMEs."),
	), s.handleTunnelStatus)

	s.mcp.AddTool(mcp.NewTool(protocol.OpTunnelRequestCNAME,
		mcp.WithDescription("Expose a project service at subdomain.domain through the tunnel. Validates the port assignment and live service, then creates the DNS record and ingress rule as one unit; any failure rolls back completed steps."),
		mcp.WithString("subdomain", mcp.Required()),
		mcp.WithString("domain", mcp.Required(), mcp.Description("must be a managed zone")),
		mcp.WithNumber("port", mcp.Required()),
		mcp.WithString("project", mcp.Required()),
		mcp.WithString("instance_id", mcp.Description("requesting session, for the audit trail")),
	), s.handleTunnelRequestCNAME)

	s.mcp.AddTool(mcp.NewTool(protocol.OpTunnelDeleteCNAME,
		mcp.WithDescription("Remove a CNAME: ingress rule, DNS record and registry row. Only the owning project, or a meta supervisor, may delete."),
		mcp.WithString("hostname", mcp.Required(), mcp.Description("full hostname, e.g. app.example.com")),
		mcp.WithString("project", mcp.Required(), mcp.Description("requesting project")),
		mcp.WithBoolean("is_meta", mcp.Description("true when requested by a meta supervisor")),
	), s.handleTunnelDeleteCNAME)

	s.mcp.AddTool(mcp.NewTool(protocol.OpTunnelListCNAMEs,
		mcp.WithDescription("List committed CNAMEs, optionally for one project."),
		mcp.WithString("project"),
	), s.handleTunnelListCNAMEs)

	s.mcp.AddTool(mcp.NewTool(protocol.OpTunnelListDomains,
		mcp.WithDescription("Domains this runtime can create CNAMEs under."),
	), s.handleTunnelListDomains)
}

// tunnelOr guards the tunnel tools when the Cloudflare integration is
// not configured.
func (s *Server) tunnelOr() (*tunnel.Manager, error) {
	if s.deps.Tunnel == nil {
		return nil, protocol.Errorf(protocol.KindExternal, "tunnel integration is not configured").
			WithRecommendation("set GOHERD_CLOUDFLARE_API_TOKEN and tunnel.tunnel_id, then restart the runtime")
	}
	return s.deps.Tunnel, nil
}

func (s *Server) handleTunnelStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.tunnelOr()
	if err != nil {
		return failResult(err), nil
	}
	st, err := m.Status(ctx)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(st), nil
}

func (s *Server) handleTunnelRequestCNAME(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.tunnelOr()
	if err != nil {
		return failResult(err), nil
	}
	subdomain, err := req.RequireString("subdomain")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "subdomain is required")), nil
	}
	domain, err := req.RequireString("domain")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "domain is required")), nil
	}
	port, err := req.RequireInt("port")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "port is required")), nil
	}
	project, err := req.RequireString("project")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "project is required")), nil
	}
	cn, err := m.RequestCNAME(ctx, tunnel.CNAMERequest{
		Subdomain:  subdomain,
		Domain:     domain,
		Port:       port,
		Project:    project,
		InstanceID: req.GetString("instance_id", ""),
	})
	if err != nil {
		return failResult(err), nil
	}
	return okResult(cn), nil
}

func (s *Server) handleTunnelDeleteCNAME(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.tunnelOr()
	if err != nil {
		return failResult(err), nil
	}
	hostname, err := req.RequireString("hostname")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "hostname is required")), nil
	}
	project, err := req.RequireString("project")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "project is required")), nil
	}
	if err := m.DeleteCNAME(ctx, hostname, project, req.GetBool("is_meta", false)); err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"hostname": hostname, "deleted": true}), nil
}

func (s *Server) handleTunnelListCNAMEs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.tunnelOr()
	if err != nil {
		return failResult(err), nil
	}
	cns, err := m.ListCNAMEs(ctx, req.GetString("project", ""))
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"cnames": cns, "count": len(cns)}), nil
}

func (s *Server) handleTunnelListDomains(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.tunnelOr()
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"domains": m.ListDomains()}), nil
}

func (s *Server) registerSecretTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.OpSecretsGet,
		mcp.WithDescription("Read a secret by scoped key path, e.g. meta/cloudflare/dns_edit_token. Environment overrides win over the vault."),
		mcp.WithString("key", mcp.Required()),
	), s.handleSecretsGet)

	s.mcp.AddTool(mcp.NewTool(protocol.OpSecretsSet,
		mcp.WithDescription("Store a secret at a scoped key path. Values never appear in logs."),
		mcp.WithString("key", mcp.Required()),
		mcp.WithString("value", mcp.Required()),
	), s.handleSecretsSet)
}

func (s *Server) handleSecretsGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "key is required")), nil
	}
	val, err := s.deps.Secrets.Get(key)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"key": key, "value": val}), nil
}

func (s *Server) handleSecretsSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "key is required")), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "value is required")), nil
	}
	if err := s.deps.Secrets.Set(key, value); err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"key": key, "stored": true}), nil
}
