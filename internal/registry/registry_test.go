package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/store/memstore"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	stores := memstore.New()
	log := slog.New(slog.DiscardHandler)
	return New(stores.Sessions, events.NewLogger(stores.Events, log), log, time.Hour)
}

func validInit() InitializeRequest {
	return InitializeRequest{
		Project:       "demo",
		InstanceType:  protocol.InstancePS,
		SessionType:   protocol.TransportCLI,
		SessionHandle: "claude-demo",
	}
}

func TestInitializeDerivesInstanceID(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.Initialize(context.Background(), validInit())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.InstanceID != "ps-demo" {
		t.Errorf("instance_id = %q, want ps-demo", s.InstanceID)
	}
	if s.StartedAt.IsZero() || s.LastActivity.IsZero() {
		t.Error("timestamps not filled by store")
	}
}

func TestInitializeValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  InitializeRequest
	}{
		{"missing project", InitializeRequest{InstanceType: "PS", SessionType: "cli"}},
		{"bad instance type", InitializeRequest{Project: "p", InstanceType: "XX", SessionType: "cli"}},
		{"bad session type", InitializeRequest{Project: "p", InstanceType: "PS", SessionType: "telnet"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Initialize(ctx, tt.req)
			if protocol.KindOf(err) != protocol.KindValidation {
				t.Errorf("kind = %v, want validation", protocol.KindOf(err))
			}
		})
	}
}

func TestInitializeProjectConflict(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Initialize(ctx, validInit()); err != nil {
		t.Fatal(err)
	}
	req := validInit()
	req.InstanceID = "ps-demo-2"
	_, err := r.Initialize(ctx, req)
	if protocol.KindOf(err) != protocol.KindConflict {
		t.Errorf("kind = %v, want conflict", protocol.KindOf(err))
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), "ps-ghost")
	if protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("kind = %v, want not_found", protocol.KindOf(err))
	}
}

func TestUpdateContextUsagePercentWins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Initialize(ctx, validInit()); err != nil {
		t.Fatal(err)
	}

	pct := 80.0
	s, err := r.UpdateContextUsage(ctx, "ps-demo", UsageReport{
		Percent:     &pct,
		TokensUsed:  100, // contradicts percent; percent is authoritative
		TokensTotal: 200000,
	})
	if err != nil {
		t.Fatalf("UpdateContextUsage: %v", err)
	}
	if s.ContextUsage != 0.8 {
		t.Errorf("usage = %v, want 0.8", s.ContextUsage)
	}
	if s.LastContextCheck == nil {
		t.Error("last_context_check not set")
	}
}

func TestUpdateContextUsageFromTokens(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Initialize(ctx, validInit()); err != nil {
		t.Fatal(err)
	}

	s, err := r.UpdateContextUsage(ctx, "ps-demo", UsageReport{TokensUsed: 50000, TokensTotal: 200000})
	if err != nil {
		t.Fatal(err)
	}
	if s.ContextUsage != 0.25 {
		t.Errorf("usage = %v, want 0.25", s.ContextUsage)
	}

	_, err = r.UpdateContextUsage(ctx, "ps-demo", UsageReport{})
	if protocol.KindOf(err) != protocol.KindValidation {
		t.Errorf("empty report: kind = %v, want validation", protocol.KindOf(err))
	}
}

func TestSessionsNeedingCheck(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Initialize(ctx, validInit()); err != nil {
		t.Fatal(err)
	}
	second := validInit()
	second.Project = "other"
	if _, err := r.Initialize(ctx, second); err != nil {
		t.Fatal(err)
	}

	// Fresh registrations have never been checked.
	need, err := r.SessionsNeedingCheck(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(need) != 2 {
		t.Fatalf("needing check = %d, want 2", len(need))
	}

	pct := 10.0
	if _, err := r.UpdateContextUsage(ctx, "ps-demo", UsageReport{Percent: &pct}); err != nil {
		t.Fatal(err)
	}
	need, err = r.SessionsNeedingCheck(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(need) != 1 || need[0].InstanceID != "ps-other" {
		t.Errorf("needing check = %v", need)
	}
}

func TestCloseRemovesSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Initialize(ctx, validInit()); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(ctx, "ps-demo"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Get(ctx, "ps-demo"); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("session survived close")
	}
	if err := r.Close(ctx, "ps-demo"); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("double close: kind = %v", protocol.KindOf(err))
	}
}

func TestParseUsage(t *testing.T) {
	tests := []struct {
		in       string
		ok       bool
		percent  float64
		hasPct   bool
		used     int64
		total    int64
	}{
		{"Context: 67% used", true, 67, true, 0, 0},
		{"67.5%", true, 67.5, true, 0, 0},
		{"142000/200000", true, 0, false, 142000, 200000},
		{"142,000 / 200,000 tokens", true, 0, false, 142000, 200000},
		{"80% (160000/200000)", true, 80, true, 160000, 200000},
		{"no numbers here", false, 0, false, 0, 0},
		{"500000/200000", false, 0, false, 0, 0}, // used > total
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			rep, ok := ParseUsage(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if tt.hasPct {
				if rep.Percent == nil || *rep.Percent != tt.percent {
					t.Errorf("percent = %v, want %v", rep.Percent, tt.percent)
				}
			} else if rep.Percent != nil {
				t.Errorf("unexpected percent %v", *rep.Percent)
			}
			if rep.TokensUsed != tt.used || rep.TokensTotal != tt.total {
				t.Errorf("tokens = %d/%d, want %d/%d", rep.TokensUsed, rep.TokensTotal, tt.used, tt.total)
			}
		})
	}
}
