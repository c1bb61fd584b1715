package mcpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goherd/internal/checkpoint"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func (s *Server) registerCheckpointTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.OpCheckpointCreate,
		mcp.WithDescription("Persist a work-state snapshot so a successor session can resume. kind is context_window, epic_completion or manual."),
		mcp.WithString("instance_id", mcp.Required()),
		mcp.WithString("kind", mcp.Required()),
		mcp.WithNumber("context_window_percent", mcp.Description("usage at snapshot time, 0..100")),
		mcp.WithObject("work_state", mcp.Required(), mcp.Description("resumable state: current task, pending work, decisions")),
		mcp.WithObject("metadata"),
	), s.handleCheckpointCreate)

	s.mcp.AddTool(mcp.NewTool(protocol.OpCheckpointGet,
		mcp.WithDescription("Fetch a checkpoint by checkpoint_id, or the newest one for instance_id. Returns the row plus a rendered resume prompt."),
		mcp.WithString("checkpoint_id"),
		mcp.WithString("instance_id"),
	), s.handleCheckpointGet)

	s.mcp.AddTool(mcp.NewTool(protocol.OpCheckpointList,
		mcp.WithDescription("List checkpoints for a session, newest first."),
		mcp.WithString("instance_id", mcp.Required()),
		mcp.WithString("kind", mcp.Description("filter by checkpoint kind")),
		mcp.WithNumber("limit"),
		mcp.WithNumber("offset"),
	), s.handleCheckpointList)

	s.mcp.AddTool(mcp.NewTool(protocol.OpCheckpointCleanup,
		mcp.WithDescription("Run the checkpoint retention pass now."),
		mcp.WithNumber("retention_days", mcp.Description("override the configured retention window")),
	), s.handleCheckpointCleanup)
}

func (s *Server) handleCheckpointCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "instance_id is required")), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "kind is required")), nil
	}
	workState, err := objectArg(req, "work_state")
	if err != nil {
		return failResult(err), nil
	}
	metadata, err := objectArg(req, "metadata")
	if err != nil {
		return failResult(err), nil
	}
	var raw json.RawMessage
	if workState != nil {
		raw, err = json.Marshal(workState)
		if err != nil {
			return failResult(protocol.Errorf(protocol.KindValidation, "work_state is not valid JSON")), nil
		}
	}
	cp, err := s.deps.Checkpoints.Create(ctx, checkpoint.CreateRequest{
		InstanceID:           instanceID,
		Kind:                 kind,
		ContextWindowPercent: req.GetFloat("context_window_percent", 0),
		WorkState:            raw,
		Metadata:             metadata,
	})
	if err != nil {
		return failResult(err), nil
	}
	return okResult(cp), nil
}

func (s *Server) handleCheckpointGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if raw := req.GetString("checkpoint_id", ""); raw != "" {
		id, err := uuidArg(req, "checkpoint_id")
		if err != nil {
			return failResult(err), nil
		}
		cp, err := s.deps.Checkpoints.Get(ctx, id)
		if err != nil {
			return failResult(err), nil
		}
		return checkpointResult(cp), nil
	}
	if instanceID := req.GetString("instance_id", ""); instanceID != "" {
		cp, err := s.deps.Checkpoints.Latest(ctx, instanceID)
		if err != nil {
			return failResult(err), nil
		}
		return checkpointResult(cp), nil
	}
	return failResult(protocol.Errorf(protocol.KindValidation, "checkpoint_id or instance_id is required")), nil
}

// checkpointResult pairs the row with the rendered resume prompt so the
// successor session gets both in one call.
func checkpointResult(cp *store.Checkpoint) *mcp.CallToolResult {
	return okResult(map[string]any{
		"checkpoint":      cp,
		"resume_markdown": checkpoint.RenderResume(cp),
	})
}

func (s *Server) handleCheckpointList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "instance_id is required")), nil
	}
	cps, err := s.deps.Checkpoints.List(ctx, instanceID,
		req.GetString("kind", ""), req.GetInt("limit", 0), req.GetInt("offset", 0))
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"checkpoints": cps, "count": len(cps)}), nil
}

func (s *Server) handleCheckpointCleanup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := req.GetInt("retention_days", 0)
	if days < 0 {
		return failResult(protocol.Errorf(protocol.KindValidation, "retention_days must be positive")), nil
	}
	res, err := s.deps.Checkpoints.Cleanup(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(res), nil
}
