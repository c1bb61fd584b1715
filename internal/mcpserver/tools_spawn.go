package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goherd/internal/spawn"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func (s *Server) registerSpawnTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.OpSpawnRegister,
		mcp.WithDescription("Track a background task so the health monitor watches its output file and process."),
		mcp.WithString("project", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("task_type"),
		mcp.WithString("description"),
		mcp.WithString("output_file", mcp.Description("file whose growth proves the task is alive")),
		mcp.WithNumber("pid", mcp.Description("process id, when the task runs as a local process")),
	), s.handleSpawnRegister)

	s.mcp.AddTool(mcp.NewTool(protocol.OpSpawnComplete,
		mcp.WithDescription("Mark a tracked task finished."),
		mcp.WithString("project", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithNumber("exit_code"),
		mcp.WithString("error", mcp.Description("failure message when the task did not succeed")),
	), s.handleSpawnComplete)

	s.mcp.AddTool(mcp.NewTool(protocol.OpSpawnList,
		mcp.WithDescription("List tracked tasks, optionally filtered by project and status."),
		mcp.WithString("project"),
		mcp.WithString("status", mcp.Description("running, completed, failed or stalled")),
	), s.handleSpawnList)
}

func (s *Server) handleSpawnRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := req.RequireString("project")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "project is required")), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "task_id is required")), nil
	}
	rr := spawn.RegisterRequest{
		Project:     project,
		TaskID:      taskID,
		TaskType:    req.GetString("task_type", ""),
		Description: req.GetString("description", ""),
		OutputFile:  req.GetString("output_file", ""),
	}
	if _, ok := req.GetArguments()["pid"]; ok {
		pid := req.GetInt("pid", 0)
		rr.PID = &pid
	}
	sp, err := s.deps.Spawns.Register(ctx, rr)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(sp), nil
}

func (s *Server) handleSpawnComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := req.RequireString("project")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "project is required")), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "task_id is required")), nil
	}
	err = s.deps.Spawns.Complete(ctx, project, taskID,
		req.GetInt("exit_code", 0), req.GetString("error", ""))
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"project": project, "task_id": taskID}), nil
}

func (s *Server) handleSpawnList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sps, err := s.deps.Spawns.List(ctx, req.GetString("project", ""), req.GetString("status", ""))
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"spawns": sps, "count": len(sps)}), nil
}

func (s *Server) registerHealthTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.OpHealthRecord,
		mcp.WithDescription("Record a health check observation for a project."),
		mcp.WithString("project", mcp.Required()),
		mcp.WithString("check_type", mcp.Required(), mcp.Description("spawn, context, handoff or orphaned_work")),
		mcp.WithString("status", mcp.Required(), mcp.Description("ok, warning or critical")),
		mcp.WithObject("details"),
		mcp.WithString("action_taken"),
		mcp.WithString("ps_response"),
	), s.handleHealthRecord)

	s.mcp.AddTool(mcp.NewTool(protocol.OpHealthStalledSpawns,
		mcp.WithDescription("Running tasks whose output has not changed for idle_minutes."),
		mcp.WithString("project"),
		mcp.WithNumber("idle_minutes", mcp.Description("default 15")),
	), s.handleHealthStalledSpawns)

	s.mcp.AddTool(mcp.NewTool(protocol.OpHealthSessionsNeedingCheck,
		mcp.WithDescription("Active sessions whose last context check is older than older_than_minutes."),
		mcp.WithNumber("older_than_minutes", mcp.Description("default 60")),
	), s.handleHealthSessionsNeedingCheck)
}

func (s *Server) handleHealthRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := req.RequireString("project")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "project is required")), nil
	}
	checkType, err := req.RequireString("check_type")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "check_type is required")), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "status is required")), nil
	}
	details, err := objectArg(req, "details")
	if err != nil {
		return failResult(err), nil
	}
	hc := &store.HealthCheck{
		Project:     project,
		CheckType:   checkType,
		Status:      status,
		Details:     details,
		ActionTaken: req.GetString("action_taken", ""),
		PSResponse:  req.GetString("ps_response", ""),
	}
	if err := s.deps.Health.Record(ctx, hc); err != nil {
		return failResult(err), nil
	}
	return okResult(hc), nil
}

func (s *Server) handleHealthStalledSpawns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idle := time.Duration(req.GetFloat("idle_minutes", 15)) * time.Minute
	sps, err := s.deps.Spawns.Stalled(ctx, req.GetString("project", ""), idle)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"spawns": sps, "count": len(sps)}), nil
}

func (s *Server) handleHealthSessionsNeedingCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	olderThan := time.Duration(req.GetFloat("older_than_minutes", 60)) * time.Minute
	sessions, err := s.deps.Registry.SessionsNeedingCheck(ctx, olderThan)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"sessions": sessions, "count": len(sessions)}), nil
}
