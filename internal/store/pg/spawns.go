package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// PGSpawnStore implements store.SpawnStore. Status transitions are
// guarded in SQL: only 'running' rows can move.
type PGSpawnStore struct {
	db *sql.DB
}

func NewSpawnStore(db *sql.DB) *PGSpawnStore {
	return &PGSpawnStore{db: db}
}

const spawnColumns = `id, project, task_id, task_type, description, spawn_time,
	last_output_change, output_file, pid, status, exit_code, error_message, completed_at`

func (s *PGSpawnStore) Register(ctx context.Context, sp *store.Spawn) error {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO active_spawns (project, task_id, task_type, description, output_file, pid)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, spawn_time, last_output_change, status`,
		sp.Project, sp.TaskID, sp.TaskType, sp.Description, sp.OutputFile, sp.PID,
	)
	return row.Scan(&sp.ID, &sp.SpawnTime, &sp.LastOutputChange, &sp.Status)
}

func (s *PGSpawnStore) Get(ctx context.Context, project, taskID string) (*store.Spawn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+spawnColumns+` FROM active_spawns WHERE project = $1 AND task_id = $2`,
		project, taskID)
	sp, err := scanSpawn(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return sp, nil
}

func (s *PGSpawnStore) Touch(ctx context.Context, project, taskID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_spawns SET last_output_change = $3
		 WHERE project = $1 AND task_id = $2 AND status = 'running'`,
		project, taskID, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGSpawnStore) Complete(ctx context.Context, project, taskID string, exitCode int, errMsg string) error {
	status := "completed"
	if exitCode != 0 {
		status = "failed"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_spawns
		 SET status = $3, exit_code = $4, error_message = $5, completed_at = now()
		 WHERE project = $1 AND task_id = $2 AND status = 'running'`,
		project, taskID, status, exitCode, errMsg)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGSpawnStore) MarkStatus(ctx context.Context, project, taskID, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_spawns
		 SET status = $3, error_message = $4, completed_at = CASE WHEN $3 = 'abandoned' THEN now() ELSE completed_at END
		 WHERE project = $1 AND task_id = $2 AND status = 'running'`,
		project, taskID, status, errMsg)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGSpawnStore) List(ctx context.Context, project, status string) ([]store.Spawn, error) {
	var rows *sql.Rows
	var err error
	switch {
	case project != "" && status != "":
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+spawnColumns+` FROM active_spawns WHERE project = $1 AND status = $2 ORDER BY spawn_time DESC`,
			project, status)
	case project != "":
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+spawnColumns+` FROM active_spawns WHERE project = $1 ORDER BY spawn_time DESC`, project)
	case status != "":
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+spawnColumns+` FROM active_spawns WHERE status = $1 ORDER BY spawn_time DESC`, status)
	default:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+spawnColumns+` FROM active_spawns ORDER BY spawn_time DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSpawns(rows)
}

func (s *PGSpawnStore) ListRunning(ctx context.Context) ([]store.Spawn, error) {
	return s.List(ctx, "", "running")
}

func (s *PGSpawnStore) Stalled(ctx context.Context, project string, cutoff time.Time) ([]store.Spawn, error) {
	var rows *sql.Rows
	var err error
	if project != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+spawnColumns+` FROM active_spawns
			 WHERE project = $1 AND status = 'running' AND last_output_change < $2
			 ORDER BY last_output_change ASC`,
			project, cutoff)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+spawnColumns+` FROM active_spawns
			 WHERE status = 'running' AND last_output_change < $1
			 ORDER BY last_output_change ASC`,
			cutoff)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSpawns(rows)
}

func scanSpawn(r rowScanner) (*store.Spawn, error) {
	var sp store.Spawn
	var pid, exitCode sql.NullInt32
	var completedAt sql.NullTime
	if err := r.Scan(&sp.ID, &sp.Project, &sp.TaskID, &sp.TaskType, &sp.Description,
		&sp.SpawnTime, &sp.LastOutputChange, &sp.OutputFile, &pid, &sp.Status,
		&exitCode, &sp.ErrorMessage, &completedAt); err != nil {
		return nil, err
	}
	if pid.Valid {
		v := int(pid.Int32)
		sp.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int32)
		sp.ExitCode = &v
	}
	if completedAt.Valid {
		t := completedAt.Time
		sp.CompletedAt = &t
	}
	return &sp, nil
}

func scanSpawns(rows *sql.Rows) ([]store.Spawn, error) {
	var out []store.Spawn
	for rows.Next() {
		sp, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}
