package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores wires all Postgres-backed stores over one connection pool.
func NewStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Events:      NewEventStore(db),
		Sessions:    NewSessionStore(db),
		Checkpoints: NewCheckpointStore(db),
		Spawns:      NewSpawnStore(db),
		Health:      NewHealthStore(db),
		Ports:       NewPortStore(db),
		CNAMEs:      NewCNAMEStore(db),
	}
}
