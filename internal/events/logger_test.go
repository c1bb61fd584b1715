package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goherd/internal/store/memstore"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	return NewLogger(memstore.New().Events, slog.New(slog.DiscardHandler))
}

func TestLogRootAndChild(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	root, err := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventUserMessage})
	if err != nil {
		t.Fatalf("log root: %v", err)
	}
	if root.Depth != 0 {
		t.Errorf("root depth = %d, want 0", root.Depth)
	}
	if root.RootUUID != root.EventID {
		t.Errorf("root_uuid = %s, want self %s", root.RootUUID, root.EventID)
	}

	child, err := l.Log(ctx, LogRequest{
		InstanceID: "ps-demo",
		EventType:  protocol.EventToolUse,
		Parent:     &root.EventID,
	})
	if err != nil {
		t.Fatalf("log child: %v", err)
	}
	if child.Depth != 1 {
		t.Errorf("child depth = %d, want 1", child.Depth)
	}
	if child.RootUUID != root.EventID {
		t.Errorf("child root = %s, want %s", child.RootUUID, root.EventID)
	}
	if child.SequenceNum != root.SequenceNum+1 {
		t.Errorf("sequence = %d, want %d", child.SequenceNum, root.SequenceNum+1)
	}
}

func TestLogAmbientParentFromContext(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	root, err := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventContextProbe})
	if err != nil {
		t.Fatal(err)
	}

	ctx = WithParent(ctx, root.EventID)
	child, err := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventHandoffTrigger})
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentUUID == nil || *child.ParentUUID != root.EventID {
		t.Errorf("ambient parent not applied: %v", child.ParentUUID)
	}

	// An explicit parent beats the ambient one.
	other, err := l.Log(context.Background(), LogRequest{InstanceID: "ps-demo", EventType: protocol.EventUserMessage})
	if err != nil {
		t.Fatal(err)
	}
	explicit, err := l.Log(ctx, LogRequest{
		InstanceID: "ps-demo",
		EventType:  protocol.EventToolUse,
		Parent:     &other.EventID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if *explicit.ParentUUID != other.EventID {
		t.Errorf("explicit parent overridden by ambient")
	}
}

func TestLogMissingParentIsNotFound(t *testing.T) {
	l := newTestLogger(t)
	ghost := uuid.New()

	_, err := l.Log(context.Background(), LogRequest{
		InstanceID: "ps-demo",
		EventType:  protocol.EventToolUse,
		Parent:     &ghost,
	})
	if err == nil {
		t.Fatal("expected error for missing parent")
	}
	if kind := protocol.KindOf(err); kind != protocol.KindNotFound {
		t.Errorf("kind = %s, want %s", kind, protocol.KindNotFound)
	}
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Recommendation == "" {
		t.Error("missing-parent error should carry a recommendation")
	}
}

func TestLogValidation(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	if _, err := l.Log(ctx, LogRequest{EventType: "x"}); protocol.KindOf(err) != protocol.KindValidation {
		t.Errorf("missing instance_id: kind = %v", protocol.KindOf(err))
	}
	if _, err := l.Log(ctx, LogRequest{InstanceID: "ps-demo"}); protocol.KindOf(err) != protocol.KindValidation {
		t.Errorf("missing event_type: kind = %v", protocol.KindOf(err))
	}
}

func TestSanitizeDataRedactsSecrets(t *testing.T) {
	in := map[string]any{
		"api_key":  "sk-12345",
		"Password": "hunter2",
		"nested": map[string]any{
			"github_token": "ghp_abc",
			"kept":         "value",
		},
		"plain": "fine",
	}
	out := sanitizeData(in)

	if out["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v", out["api_key"])
	}
	if out["Password"] != "[REDACTED]" {
		t.Errorf("Password = %v", out["Password"])
	}
	nested := out["nested"].(map[string]any)
	if nested["github_token"] != "[REDACTED]" {
		t.Errorf("nested token = %v", nested["github_token"])
	}
	if nested["kept"] != "value" || out["plain"] != "fine" {
		t.Error("non-secret values must survive untouched")
	}
	// input untouched
	if in["api_key"] != "sk-12345" {
		t.Error("sanitizeData mutated its input")
	}
}

func TestSanitizeDataTruncatesMessage(t *testing.T) {
	long := strings.Repeat("x", 2000)
	out := sanitizeData(map[string]any{"message": long, "other": long})

	msg := out["message"].(string)
	if len([]rune(msg)) != maxMessageChars+len("...[truncated]") {
		t.Errorf("message length = %d", len(msg))
	}
	if !strings.HasSuffix(msg, "...[truncated]") {
		t.Error("truncated message missing marker")
	}
	if out["other"].(string) != long {
		t.Error("non-message strings must not be truncated")
	}
}

func TestRecentClampsLimit(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if _, err := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventToolUse}); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := l.Recent(ctx, "ps-demo", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != defaultRecentLimit {
		t.Errorf("default limit: got %d events, want %d", len(evs), defaultRecentLimit)
	}
	// Chronological order, newest last.
	for i := 1; i < len(evs); i++ {
		if evs[i].SequenceNum <= evs[i-1].SequenceNum {
			t.Fatalf("events out of order at %d", i)
		}
	}
}

func TestParentChainAndSubtree(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	root, _ := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventUserMessage})
	mid, _ := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventSpawnDecision, Parent: &root.EventID})
	leaf, err := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventToolUse, Parent: &mid.EventID})
	if err != nil {
		t.Fatal(err)
	}

	chain, err := l.ParentChain(ctx, leaf.EventID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if chain[0].EventID != root.EventID || chain[2].EventID != leaf.EventID {
		t.Error("chain not ordered root → leaf")
	}

	tree, err := l.Subtree(ctx, root.EventID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree) != 3 {
		t.Fatalf("subtree size = %d, want 3", len(tree))
	}
	if tree[0].EventID != root.EventID {
		t.Error("subtree must start at the root")
	}

	// Caller-chosen depth bounds.
	short, err := l.ParentChain(ctx, leaf.EventID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(short) != 2 || short[1].EventID != leaf.EventID {
		t.Errorf("bounded chain = %d events, want the 2 nearest", len(short))
	}
	flat, err := l.Subtree(ctx, root.EventID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(flat) != 2 {
		t.Errorf("depth-1 subtree = %d events, want root plus child", len(flat))
	}

	if _, err := l.ParentChain(ctx, uuid.New(), 0); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("missing event: kind = %v", protocol.KindOf(err))
	}
}

func TestParentChainDepthBoundary(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	// One straight chain well past the walk cap.
	const total = 1200
	var parent *uuid.UUID
	var deepest uuid.UUID
	for i := 0; i < total; i++ {
		ev, err := l.Log(ctx, LogRequest{
			InstanceID: "ps-demo",
			EventType:  protocol.EventToolUse,
			Parent:     parent,
		})
		if err != nil {
			t.Fatal(err)
		}
		id := ev.EventID
		parent = &id
		deepest = ev.EventID
	}

	chain, err := l.ParentChain(ctx, deepest, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != maxChainDepth {
		t.Fatalf("chain length = %d, want cap %d", len(chain), maxChainDepth)
	}
	if chain[len(chain)-1].EventID != deepest {
		t.Error("capped chain must end at the requested event")
	}
	if chain[0].Depth != total-maxChainDepth {
		t.Errorf("capped chain starts at depth %d, want %d", chain[0].Depth, total-maxChainDepth)
	}

	// A request over the cap is clamped, not honoured.
	over, err := l.ParentChain(ctx, deepest, maxChainDepth*2)
	if err != nil {
		t.Fatal(err)
	}
	if len(over) != maxChainDepth {
		t.Errorf("over-cap request returned %d events", len(over))
	}

	// A chain exactly at the cap comes back whole, root included.
	atCap, err := l.ParentChain(ctx, chain[0].EventID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if last := atCap[len(atCap)-1]; last.Depth-atCap[0].Depth >= maxChainDepth {
		t.Errorf("walk span %d exceeds cap", last.Depth-atCap[0].Depth)
	}
}

func TestRecentIsSuffixOfFullHistory(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if _, err := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventToolUse}); err != nil {
			t.Fatal(err)
		}
	}

	full, err := l.Recent(ctx, "ps-demo", 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != 60 {
		t.Fatalf("full history = %d events", len(full))
	}

	tail, err := l.Recent(ctx, "ps-demo", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 20 {
		t.Fatalf("tail = %d events, want 20", len(tail))
	}
	for i, ev := range tail {
		if want := full[len(full)-20+i]; ev.EventID != want.EventID {
			t.Fatalf("tail[%d] = seq %d, want seq %d: recent(n) must be the suffix of the history", i, ev.SequenceNum, want.SequenceNum)
		}
	}
}

func TestConcurrentAppendsKeepSequenceDense(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Log(ctx, LogRequest{InstanceID: "ps-demo", EventType: protocol.EventToolUse})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	evs, err := l.Recent(ctx, "ps-demo", n)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != n {
		t.Fatalf("events = %d, want %d", len(evs), n)
	}
	seen := map[int64]bool{}
	for _, ev := range evs {
		if seen[ev.SequenceNum] {
			t.Fatalf("duplicate sequence_num %d", ev.SequenceNum)
		}
		seen[ev.SequenceNum] = true
	}
	for s := int64(1); s <= n; s++ {
		if !seen[s] {
			t.Errorf("sequence gap at %d", s)
		}
	}
}
