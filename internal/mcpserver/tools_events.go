package mcpserver

import (
	"context"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func (s *Server) registerEventTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.OpEventsLog,
		mcp.WithDescription("Append an event to the lineage store. parent_event_id chains it under an existing event; omitted, the session's ambient parent applies."),
		mcp.WithString("instance_id", mcp.Required()),
		mcp.WithString("event_type", mcp.Required()),
		mcp.WithObject("data", mcp.Description("arbitrary JSON payload")),
		mcp.WithString("parent_event_id", mcp.Description("UUID of the parent event")),
	), s.handleEventsLog)

	s.mcp.AddTool(mcp.NewTool(protocol.OpEventsRecent,
		mcp.WithDescription("Latest events for a session in chronological order, newest last."),
		mcp.WithString("instance_id", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("default 50, max 1000")),
	), s.handleEventsRecent)

	s.mcp.AddTool(mcp.NewTool(protocol.OpEventsParentChain,
		mcp.WithDescription("Walk from an event up to its root, root first."),
		mcp.WithString("event_id", mcp.Required()),
		mcp.WithNumber("max_depth", mcp.Description("cap on the chain length, default and max 1000")),
	), s.lineageHandler(s.deps.Events.ParentChain))

	s.mcp.AddTool(mcp.NewTool(protocol.OpEventsChildren,
		mcp.WithDescription("Direct children of an event, oldest first."),
		mcp.WithString("event_id", mcp.Required()),
	), s.lineageHandler(func(ctx context.Context, id uuid.UUID, _ int) ([]store.Event, error) {
		return s.deps.Events.Children(ctx, id)
	}))

	s.mcp.AddTool(mcp.NewTool(protocol.OpEventsSubtree,
		mcp.WithDescription("An event and all descendants, depth-first."),
		mcp.WithString("event_id", mcp.Required()),
		mcp.WithNumber("max_depth", mcp.Description("cap on descendant levels, default and max 10")),
	), s.lineageHandler(s.deps.Events.Subtree))
}

func (s *Server) handleEventsLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "instance_id is required")), nil
	}
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "event_type is required")), nil
	}
	data, err := objectArg(req, "data")
	if err != nil {
		return failResult(err), nil
	}
	lr := events.LogRequest{InstanceID: instanceID, EventType: eventType, Data: data}
	if raw := req.GetString("parent_event_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return failResult(protocol.Errorf(protocol.KindValidation, "parent_event_id is not a valid UUID: %q", raw)), nil
		}
		lr.Parent = &id
	}
	ev, err := s.deps.Events.Log(ctx, lr)
	if err != nil {
		return failResult(err), nil
	}
	return okResult(ev), nil
}

func (s *Server) handleEventsRecent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindValidation, "instance_id is required")), nil
	}
	evs, err := s.deps.Events.Recent(ctx, instanceID, req.GetInt("limit", 0))
	if err != nil {
		return failResult(err), nil
	}
	return okResult(map[string]any{"events": evs, "count": len(evs)}), nil
}

// lineageHandler shares the event_id-to-event-list shape of the three
// traversal tools. The logger clamps max_depth to the per-traversal cap.
func (s *Server) lineageHandler(fn func(context.Context, uuid.UUID, int) ([]store.Event, error)) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := uuidArg(req, "event_id")
		if err != nil {
			return failResult(err), nil
		}
		evs, err := fn(ctx, id, req.GetInt("max_depth", 0))
		if err != nil {
			return failResult(err), nil
		}
		return okResult(map[string]any{"events": evs, "count": len(evs)}), nil
	}
}
