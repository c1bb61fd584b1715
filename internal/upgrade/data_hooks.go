package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DataHookFunc runs after the SQL migration for its schema version has
// been applied. Hooks must be idempotent: the data_migrations table
// keeps them from re-running, but a crash between hook and tracking
// insert replays them on the next pass.
type DataHookFunc func(ctx context.Context, db *sql.DB) error

type dataHook struct {
	schemaVersion uint
	name          string
	fn            DataHookFunc
}

var hooks []dataHook

// RegisterDataHook registers a Go data migration for a schema version.
// Names must be unique; hooks run in registration order.
func RegisterDataHook(schemaVersion uint, name string, fn DataHookFunc) {
	hooks = append(hooks, dataHook{schemaVersion: schemaVersion, name: name, fn: fn})
}

// PendingHooks returns the names of registered hooks not yet applied.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	if err := ensureHookTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, h := range pendingOf(applied) {
		names = append(names, h.name)
	}
	return names, nil
}

// RunPendingHooks executes every unapplied hook and records it in
// data_migrations. Returns the number of hooks run.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	if err := ensureHookTable(ctx, db); err != nil {
		return 0, fmt.Errorf("ensure data_migrations table: %w", err)
	}
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, h := range pendingOf(applied) {
		slog.Info("upgrade.data_hook_started", "name", h.name, "schema_version", h.schemaVersion)
		start := time.Now()

		if err := h.fn(ctx, db); err != nil {
			return count, fmt.Errorf("data hook %q: %w", h.name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, now())`,
			h.name, h.schemaVersion); err != nil {
			return count, fmt.Errorf("record data hook %q: %w", h.name, err)
		}

		slog.Info("upgrade.data_hook_done", "name", h.name, "duration", time.Since(start))
		count++
	}
	return count, nil
}

// pendingOf filters the registered hooks down to the unapplied ones,
// keeping registration order.
func pendingOf(applied map[string]bool) []dataHook {
	var out []dataHook
	for _, h := range hooks {
		if !applied[h.name] {
			out = append(out, h)
		}
	}
	return out
}

func ensureHookTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func appliedHooks(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM data_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
