package upgrade

import (
	"context"
	"database/sql"
	"testing"
)

func TestPendingOfKeepsRegistrationOrder(t *testing.T) {
	saved := hooks
	defer func() { hooks = saved }()
	hooks = nil

	noop := func(context.Context, *sql.DB) error { return nil }
	RegisterDataHook(2, "0002_backfill_a", noop)
	RegisterDataHook(3, "0003_backfill_b", noop)
	RegisterDataHook(3, "0003_backfill_c", noop)

	all := pendingOf(map[string]bool{})
	if len(all) != 3 || all[0].name != "0002_backfill_a" || all[2].name != "0003_backfill_c" {
		t.Fatalf("pending = %v", all)
	}

	rest := pendingOf(map[string]bool{"0003_backfill_b": true})
	if len(rest) != 2 || rest[0].name != "0002_backfill_a" || rest[1].name != "0003_backfill_c" {
		t.Errorf("partial pending = %v", rest)
	}

	if left := pendingOf(map[string]bool{
		"0002_backfill_a": true,
		"0003_backfill_b": true,
		"0003_backfill_c": true,
	}); len(left) != 0 {
		t.Errorf("all applied, pending = %v", left)
	}
}

func TestCNAMEHostnameHookRegistered(t *testing.T) {
	for _, h := range hooks {
		if h.name == "0003_lowercase_cname_hostnames" {
			if h.schemaVersion != 3 {
				t.Errorf("schema version = %d, want 3", h.schemaVersion)
			}
			return
		}
	}
	t.Error("cname hostname hook not registered")
}
