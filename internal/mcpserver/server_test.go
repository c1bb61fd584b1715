package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goherd/internal/checkpoint"
	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/ports"
	"github.com/nextlevelbuilder/goherd/internal/registry"
	"github.com/nextlevelbuilder/goherd/internal/secrets"
	"github.com/nextlevelbuilder/goherd/internal/spawn"
	"github.com/nextlevelbuilder/goherd/internal/store/memstore"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	stores := memstore.New()
	logger := events.NewLogger(stores.Events, log)
	return New(Deps{
		Registry:    registry.New(stores.Sessions, logger, log, time.Hour),
		Events:      logger,
		Checkpoints: checkpoint.New(stores.Checkpoints, log, 30*24*time.Hour),
		Spawns:      spawn.NewTracker(stores.Spawns, log),
		Health:      stores.Health,
		Ports:       ports.NewDirectory(stores.Ports, log, config.PortsConfig{RangeLo: 18000, RangeHi: 18010}),
		Tunnel:      nil,
		Secrets:     secrets.NewVault(config.SecretsConfig{Dir: t.TempDir()}, log),
		Log:         log,
	}, config.ServerConfig{}, "test")
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

type wireEnvelope struct {
	Success        bool            `json:"success"`
	Result         json.RawMessage `json:"result"`
	Error          *wireError      `json:"error"`
	Recommendation string          `json:"recommendation"`
}

func decode(t *testing.T, res *mcp.CallToolResult) wireEnvelope {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content items = %d", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T", res.Content[0])
	}
	var env wireEnvelope
	if err := json.Unmarshal([]byte(tc.Text), &env); err != nil {
		t.Fatalf("decode envelope: %v\n%s", err, tc.Text)
	}
	return env
}

func initSession(t *testing.T, s *Server, project string) string {
	t.Helper()
	res, err := s.handleSessionInitialize(context.Background(), call(map[string]any{
		"project":        project,
		"instance_type":  "PS",
		"session_type":   "cli",
		"session_handle": "claude-" + project,
	}))
	if err != nil {
		t.Fatal(err)
	}
	env := decode(t, res)
	if !env.Success {
		t.Fatalf("initialize failed: %+v", env.Error)
	}
	var sess struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.Unmarshal(env.Result, &sess); err != nil {
		t.Fatal(err)
	}
	return sess.InstanceID
}

func TestSessionLifecycleEnvelope(t *testing.T) {
	s := newTestServer(t)
	id := initSession(t, s, "demo")
	if id != "ps-demo" {
		t.Errorf("instance_id = %q", id)
	}

	res, _ := s.handleSessionHeartbeat(context.Background(), call(map[string]any{"instance_id": id}))
	if env := decode(t, res); !env.Success {
		t.Errorf("heartbeat failed: %+v", env.Error)
	}

	res, _ = s.handleSessionClose(context.Background(), call(map[string]any{"instance_id": id}))
	if env := decode(t, res); !env.Success {
		t.Errorf("close failed: %+v", env.Error)
	}
}

func TestErrorKindTravelsInEnvelope(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleSessionHeartbeat(context.Background(), call(map[string]any{
		"instance_id": "ps-ghost",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected error result")
	}
	env := decode(t, res)
	if env.Success {
		t.Fatal("success = true on error")
	}
	if env.Error == nil || env.Error.Kind != protocol.KindNotFound {
		t.Errorf("error = %+v, want not_found", env.Error)
	}
}

func TestMissingRequiredArgIsValidation(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.handleEventsLog(context.Background(), call(map[string]any{
		"instance_id": "ps-demo",
	}))
	env := decode(t, res)
	if env.Error == nil || env.Error.Kind != protocol.KindValidation {
		t.Errorf("error = %+v, want validation", env.Error)
	}
}

func TestBadUUIDIsValidation(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.lineageHandler(s.deps.Events.ParentChain)(context.Background(), call(map[string]any{
		"event_id": "not-a-uuid",
	}))
	env := decode(t, res)
	if env.Error == nil || env.Error.Kind != protocol.KindValidation {
		t.Errorf("error = %+v, want validation", env.Error)
	}
}

func TestEventsLogAndRecent(t *testing.T) {
	s := newTestServer(t)
	id := initSession(t, s, "demo")

	res, _ := s.handleEventsLog(context.Background(), call(map[string]any{
		"instance_id": id,
		"event_type":  "task_started",
		"data":        map[string]any{"task": "build"},
	}))
	if env := decode(t, res); !env.Success {
		t.Fatalf("log failed: %+v", env.Error)
	}

	res, _ = s.handleEventsRecent(context.Background(), call(map[string]any{"instance_id": id}))
	env := decode(t, res)
	if !env.Success {
		t.Fatalf("recent failed: %+v", env.Error)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatal(err)
	}
	// session_started plus the logged event.
	if out.Count != 2 {
		t.Errorf("count = %d", out.Count)
	}
}

func TestCheckpointCreateAndGetLatest(t *testing.T) {
	s := newTestServer(t)
	id := initSession(t, s, "demo")

	res, _ := s.handleCheckpointCreate(context.Background(), call(map[string]any{
		"instance_id":            id,
		"kind":                   "manual",
		"context_window_percent": 42.0,
		"work_state":             map[string]any{"current_task": "wire transport"},
	}))
	if env := decode(t, res); !env.Success {
		t.Fatalf("create failed: %+v", env.Error)
	}

	res, _ = s.handleCheckpointGet(context.Background(), call(map[string]any{"instance_id": id}))
	env := decode(t, res)
	if !env.Success {
		t.Fatalf("get failed: %+v", env.Error)
	}
	var out struct {
		Checkpoint struct {
			Kind string `json:"kind"`
		} `json:"checkpoint"`
		ResumeMarkdown string `json:"resume_markdown"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Checkpoint.Kind != "manual" {
		t.Errorf("kind = %q", out.Checkpoint.Kind)
	}
	// The successor gets a ready-to-send resume prompt with the result.
	if !strings.Contains(out.ResumeMarkdown, "Resuming from checkpoint") {
		t.Errorf("resume_markdown = %q", out.ResumeMarkdown)
	}

	res, _ = s.handleCheckpointGet(context.Background(), call(map[string]any{}))
	if env := decode(t, res); env.Error == nil || env.Error.Kind != protocol.KindValidation {
		t.Errorf("no-arg get error = %+v", env.Error)
	}
}

func TestWorkStateRoundTripsAsJSONObject(t *testing.T) {
	s := newTestServer(t)
	id := initSession(t, s, "demo")

	res, _ := s.handleCheckpointCreate(context.Background(), call(map[string]any{
		"instance_id": id,
		"kind":        "manual",
		"work_state":  map[string]any{"epic": map[string]any{"name": "E1"}},
	}))
	if env := decode(t, res); !env.Success {
		t.Fatalf("create failed: %+v", env.Error)
	}

	res, _ = s.handleCheckpointGet(context.Background(), call(map[string]any{"instance_id": id}))
	env := decode(t, res)
	if !env.Success {
		t.Fatalf("get failed: %+v", env.Error)
	}
	var out struct {
		Checkpoint struct {
			WorkState json.RawMessage `json:"work_state"`
		} `json:"checkpoint"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatal(err)
	}
	// The payload must come back as the JSON object itself, never a
	// base64 string.
	var ws struct {
		Epic struct {
			Name string `json:"name"`
		} `json:"epic"`
	}
	if err := json.Unmarshal(out.Checkpoint.WorkState, &ws); err != nil {
		t.Fatalf("work_state = %s: %v", out.Checkpoint.WorkState, err)
	}
	if ws.Epic.Name != "E1" {
		t.Errorf("work_state = %s, want the submitted object back", out.Checkpoint.WorkState)
	}
}

func TestCheckpointCleanupRetentionDays(t *testing.T) {
	s := newTestServer(t)
	id := initSession(t, s, "demo")

	res, _ := s.handleCheckpointCreate(context.Background(), call(map[string]any{
		"instance_id": id,
		"kind":        "manual",
		"work_state":  map[string]any{},
	}))
	if env := decode(t, res); !env.Success {
		t.Fatalf("create failed: %+v", env.Error)
	}

	// A one-day window leaves the fresh checkpoint alone.
	res, _ = s.handleCheckpointCleanup(context.Background(), call(map[string]any{"retention_days": 1.0}))
	env := decode(t, res)
	if !env.Success {
		t.Fatalf("cleanup failed: %+v", env.Error)
	}
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Deleted != 0 {
		t.Errorf("deleted = %d, want 0", out.Deleted)
	}

	res, _ = s.handleCheckpointCleanup(context.Background(), call(map[string]any{"retention_days": -3.0}))
	if env := decode(t, res); env.Error == nil || env.Error.Kind != protocol.KindValidation {
		t.Errorf("negative retention error = %+v", env.Error)
	}
}

func TestLineageMaxDepthThroughTools(t *testing.T) {
	s := newTestServer(t)
	id := initSession(t, s, "demo")

	parent := ""
	var last string
	for i := 0; i < 3; i++ {
		args := map[string]any{"instance_id": id, "event_type": "task_step"}
		if parent != "" {
			args["parent_event_id"] = parent
		}
		res, _ := s.handleEventsLog(context.Background(), call(args))
		env := decode(t, res)
		if !env.Success {
			t.Fatalf("log failed: %+v", env.Error)
		}
		var ev struct {
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(env.Result, &ev); err != nil {
			t.Fatal(err)
		}
		parent = ev.EventID
		last = ev.EventID
	}

	res, _ := s.lineageHandler(s.deps.Events.ParentChain)(context.Background(), call(map[string]any{
		"event_id":  last,
		"max_depth": 2.0,
	}))
	env := decode(t, res)
	if !env.Success {
		t.Fatalf("parent_chain failed: %+v", env.Error)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 2 {
		t.Errorf("count = %d, want the 2 nearest events", out.Count)
	}
}

func TestSpawnRegisterAndList(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.handleSpawnRegister(context.Background(), call(map[string]any{
		"project":     "demo",
		"task_id":     "epic-3-dev",
		"task_type":   "dev",
		"output_file": "/tmp/epic-3.log",
		"pid":         4242.0,
	}))
	if env := decode(t, res); !env.Success {
		t.Fatalf("register failed: %+v", env.Error)
	}

	res, _ = s.handleSpawnList(context.Background(), call(map[string]any{"project": "demo"}))
	env := decode(t, res)
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 {
		t.Errorf("count = %d", out.Count)
	}
}

func TestPortsAllocateThroughTools(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.handlePortsGetOrAllocate(context.Background(), call(map[string]any{
		"project": "demo",
		"service": "api",
	}))
	env := decode(t, res)
	if !env.Success {
		t.Fatalf("allocate failed: %+v", env.Error)
	}
	var pa struct {
		Port int `json:"port"`
	}
	if err := json.Unmarshal(env.Result, &pa); err != nil {
		t.Fatal(err)
	}
	if pa.Port != 18000 {
		t.Errorf("port = %d", pa.Port)
	}
}

func TestTunnelToolsWithoutIntegration(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.handleTunnelStatus(context.Background(), call(nil))
	env := decode(t, res)
	if env.Error == nil || env.Error.Kind != protocol.KindExternal {
		t.Fatalf("error = %+v, want external", env.Error)
	}
	if env.Recommendation == "" {
		t.Error("expected a recommendation for the unconfigured tunnel")
	}
}

func TestSecretsRoundTripThroughTools(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.handleSecretsSet(context.Background(), call(map[string]any{
		"key":   "proj/demo/db_pass",
		"value": "hunter2",
	}))
	if env := decode(t, res); !env.Success {
		t.Fatalf("set failed: %+v", env.Error)
	}

	res, _ = s.handleSecretsGet(context.Background(), call(map[string]any{
		"key": "proj/demo/db_pass",
	}))
	env := decode(t, res)
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Value != "hunter2" {
		t.Errorf("value = %q", out.Value)
	}
}

func TestHealthRecordValidatesAndStores(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.handleHealthRecord(context.Background(), call(map[string]any{
		"project":    "demo",
		"check_type": "context",
		"status":     "warning",
		"details":    map[string]any{"usage": 0.82},
	}))
	if env := decode(t, res); !env.Success {
		t.Fatalf("record failed: %+v", env.Error)
	}

	res, _ = s.handleHealthRecord(context.Background(), call(map[string]any{
		"project": "demo",
	}))
	if env := decode(t, res); env.Error == nil || env.Error.Kind != protocol.KindValidation {
		t.Errorf("error = %+v, want validation", env.Error)
	}
}
