package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
type PGSessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{db: db}
}

const sessionColumns = `instance_id, project, instance_type, session_type, session_handle,
	started_at, last_activity, last_context_check, context_usage,
	estimated_tokens_used, estimated_tokens_total`

func (s *PGSessionStore) Register(ctx context.Context, sess *store.Session) error {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO supervisor_sessions
		     (instance_id, project, instance_type, session_type, session_handle, estimated_tokens_total)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING started_at, last_activity`,
		sess.InstanceID, sess.Project, sess.InstanceType, sess.SessionType,
		sess.SessionHandle, sess.EstimatedTokensTotal,
	)
	return row.Scan(&sess.StartedAt, &sess.LastActivity)
}

func (s *PGSessionStore) Heartbeat(ctx context.Context, instanceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE supervisor_sessions SET last_activity = $2 WHERE instance_id = $1`,
		instanceID, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGSessionStore) UpdateContextUsage(ctx context.Context, instanceID string, usage float64, tokensUsed, tokensTotal int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE supervisor_sessions
		 SET context_usage = $2,
		     estimated_tokens_used = $3,
		     estimated_tokens_total = CASE WHEN $4 > 0 THEN $4 ELSE estimated_tokens_total END,
		     last_context_check = now(),
		     last_activity = now()
		 WHERE instance_id = $1`,
		instanceID, usage, tokensUsed, tokensTotal)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGSessionStore) GetByInstance(ctx context.Context, instanceID string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM supervisor_sessions WHERE instance_id = $1`, instanceID)
	return scanSession(row)
}

func (s *PGSessionStore) GetByProject(ctx context.Context, project string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM supervisor_sessions WHERE project = $1`, project)
	return scanSession(row)
}

func (s *PGSessionStore) ListActive(ctx context.Context, ttl time.Duration) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM supervisor_sessions
		 WHERE last_activity > now() - make_interval(secs => $1)
		 ORDER BY project ASC`,
		ttl.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PGSessionStore) Close(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM supervisor_sessions WHERE instance_id = $1`, instanceID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanSession(r rowScanner) (*store.Session, error) {
	var sess store.Session
	var lastCheck sql.NullTime
	if err := r.Scan(&sess.InstanceID, &sess.Project, &sess.InstanceType, &sess.SessionType,
		&sess.SessionHandle, &sess.StartedAt, &sess.LastActivity, &lastCheck,
		&sess.ContextUsage, &sess.EstimatedTokensUsed, &sess.EstimatedTokensTotal); err != nil {
		return nil, mapNoRows(err)
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		sess.LastContextCheck = &t
	}
	return &sess, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
