package mcpserver

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// envelope is the wire shape inside every tool result. Supervisors
// branch on success and error.kind, and surface recommendation to the
// operator verbatim.
type envelope struct {
	Success        bool       `json:"success"`
	Result         any        `json:"result,omitempty"`
	Error          *wireError `json:"error,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`
}

type wireError struct {
	Kind    protocol.Kind `json:"kind"`
	Message string        `json:"message"`
}

func okResult(v any) *mcp.CallToolResult {
	b, err := json.Marshal(envelope{Success: true, Result: v})
	if err != nil {
		return failResult(protocol.Errorf(protocol.KindInternal, "encode result: %v", err))
	}
	return mcp.NewToolResultText(string(b))
}

func failResult(err error) *mcp.CallToolResult {
	perr := protocol.AsError(err)
	b, _ := json.Marshal(envelope{
		Success:        false,
		Error:          &wireError{Kind: perr.Kind, Message: perr.Message},
		Recommendation: perr.Recommendation,
	})
	return mcp.NewToolResultError(string(b))
}

// uuidArg parses a required UUID argument.
func uuidArg(req mcp.CallToolRequest, key string) (uuid.UUID, error) {
	raw, err := req.RequireString(key)
	if err != nil {
		return uuid.Nil, protocol.Errorf(protocol.KindValidation, "%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, protocol.Errorf(protocol.KindValidation, "%s is not a valid UUID: %q", key, raw)
	}
	return id, nil
}

// objectArg returns an optional object argument as a map.
func objectArg(req mcp.CallToolRequest, key string) (map[string]any, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, protocol.Errorf(protocol.KindValidation, "%s must be an object", key)
	}
	return obj, nil
}
