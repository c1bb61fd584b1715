package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// PGCheckpointStore implements store.CheckpointStore. Rows are immutable
// after insert (no update method here, and a database trigger rejects
// UPDATE as a second line of defence).
type PGCheckpointStore struct {
	db *sql.DB
}

func NewCheckpointStore(db *sql.DB) *PGCheckpointStore {
	return &PGCheckpointStore{db: db}
}

const checkpointColumns = `checkpoint_id, instance_id, kind, sequence_num, context_window_percent, created_at, work_state, metadata`

func (s *PGCheckpointStore) Insert(ctx context.Context, cp *store.Checkpoint) error {
	if cp.CheckpointID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("new checkpoint id: %w", err)
		}
		cp.CheckpointID = id
	}
	workState := cp.WorkState
	if len(workState) == 0 {
		workState = []byte("{}")
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO supervisor_checkpoints
		     (checkpoint_id, instance_id, kind, sequence_num, context_window_percent, work_state, metadata)
		 VALUES ($1, $2, $3,
		         (SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM supervisor_checkpoints WHERE instance_id = $2),
		         $4, $5, $6)
		 RETURNING sequence_num, created_at`,
		cp.CheckpointID, cp.InstanceID, cp.Kind, cp.ContextWindowPercent,
		workState, jsonMap(cp.Metadata),
	)
	return row.Scan(&cp.SequenceNum, &cp.CreatedAt)
}

func (s *PGCheckpointStore) Get(ctx context.Context, checkpointID uuid.UUID) (*store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM supervisor_checkpoints WHERE checkpoint_id = $1`,
		checkpointID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return cp, nil
}

func (s *PGCheckpointStore) List(ctx context.Context, instanceID, kind string, limit, offset int) ([]store.Checkpoint, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+checkpointColumns+` FROM supervisor_checkpoints
			 WHERE instance_id = $1 AND kind = $2
			 ORDER BY sequence_num DESC LIMIT $3 OFFSET $4`,
			instanceID, kind, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+checkpointColumns+` FROM supervisor_checkpoints
			 WHERE instance_id = $1
			 ORDER BY sequence_num DESC LIMIT $2 OFFSET $3`,
			instanceID, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func (s *PGCheckpointStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	// Measure payload size before deleting so the caller can report
	// freed bytes.
	var count, bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(pg_column_size(work_state) + pg_column_size(metadata)), 0)
		 FROM supervisor_checkpoints WHERE created_at < $1`, cutoff).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, err
	}
	if count.Int64 == 0 {
		return 0, 0, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM supervisor_checkpoints WHERE created_at < $1`, cutoff); err != nil {
		return 0, 0, err
	}
	return count.Int64, bytes.Int64, nil
}

func scanCheckpoint(r rowScanner) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var meta []byte
	if err := r.Scan(&cp.CheckpointID, &cp.InstanceID, &cp.Kind, &cp.SequenceNum,
		&cp.ContextWindowPercent, &cp.CreatedAt, &cp.WorkState, &meta); err != nil {
		return nil, err
	}
	cp.Metadata = scanJSONMap(meta)
	return &cp, nil
}
