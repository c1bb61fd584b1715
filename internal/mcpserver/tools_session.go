package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goherd/internal/registry"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func (s *Server) registerSessionTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.OpSessionInitialize,
		mcp.WithDescription("Register a supervisor session and open its lineage root. Initializing an instance_id that is still registered fails with a conflict; close it first or keep it alive via session.heartbeat."),
		mcp.WithString("project", mcp.Required(), mcp.Description("project the supervisor owns")),
		mcp.WithString("instance_type", mcp.Description("PS (project supervisor) or MS (meta supervisor), default PS")),
		mcp.WithString("session_type", mcp.Description("cli (tmux) or sdk, default cli")),
		mcp.WithString("session_handle", mcp.Description("tmux session name or sdk session id")),
		mcp.WithString("instance_id", mcp.Description("explicit instance id; derived from type and project when empty")),
		mcp.WithNumber("tokens_total", mcp.Description("context window size in tokens")),
	), s.handleSessionInitialize)

	s.mcp.AddTool(mcp.NewTool(protocol.OpSessionHeartbeat,
		mcp.WithDescription("Mark the session as alive."),
		mcp.WithString("instance_id", mcp.Required()),
	), s.handleSessionHeartbeat)

	s.mcp.AddTool(mcp.NewTool(protocol.OpSessionUpdateContextUsage,
		mcp.WithDescription("Report context window usage. context_percent wins when both forms are present."),
		mcp.WithString("instance_id", mcp.Required()),
		mcp.WithNumber("context_percent", mcp.Description("usage as 0..100")),
		mcp.WithNumber("tokens_used"),
		mcp.WithNumber("tokens_total"),
	), s.handleSessionUpdateUsage)

	s.mcp.AddTool(mcp.NewTool(protocol.OpSessionClose,
		mcp.WithDescription("Close the session and delete its registry row. Events and checkpoints cascade away with it."),
		mcp.WithString("instance_id", mcp.Required()),
	), s.handleSessionClose)
}

func (s *Server) handleSessionInitialize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := req.RequireString("project")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "project is required")), nil
	}
	sess, err := s.deps.Registry.Initialize(ctx, registry.InitializeRequest{
		InstanceID:    req.GetString("instance_id", ""),
		Project:       project,
		InstanceType:  req.GetString("instance_type", ""),
		SessionType:   req.GetString("session_type", ""),
		SessionHandle: req.GetString("session_handle", ""),
		TokensTotal:   int64(req.GetFloat("tokens_total", 0)),
	})
	if err != nil {
		return failResult(err), nil
	}
	return okResult(sess), nil
}

func (s *Server) handleSessionHeartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "instance_id is required")), nil
	}
	if err := s.deps.Registry.Heartbeat(ctx, id); err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"instance_id": id}), nil
}

func (s *Server) handleSessionUpdateUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "instance_id is required")), nil
	}
	rep := registry.UsageReport{
		TokensUsed:  int64(req.GetFloat("tokens_used", 0)),
		TokensTotal: int64(req.GetFloat("tokens_total", 0)),
	}
	if _, ok := req.GetArguments()["context_percent"]; ok {
		p := req.GetFloat("context_percent", 0)
		rep.Percent = &p
	}
	sess, err := s.deps.Registry.UpdateContextUsage(ctx, id, rep)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(sess), nil
}

func (s *Server) handleSessionClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "instance_id is required")), nil
	}
	if err := s.deps.Registry.Close(ctx, id); err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"instance_id": id, "closed": true}), nil
}
