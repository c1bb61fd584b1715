package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// PGHealthStore implements store.HealthStore (append-only audit rows).
type PGHealthStore struct {
	db *sql.DB
}

func NewHealthStore(db *sql.DB) *PGHealthStore {
	return &PGHealthStore{db: db}
}

const healthColumns = `id, project, check_time, check_type, status, details, action_taken, ps_response`

func (s *PGHealthStore) Record(ctx context.Context, hc *store.HealthCheck) error {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO health_checks (project, check_type, status, details, action_taken, ps_response)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, check_time`,
		hc.Project, hc.CheckType, hc.Status, jsonMap(hc.Details), hc.ActionTaken, hc.PSResponse,
	)
	return row.Scan(&hc.ID, &hc.CheckTime)
}

func (s *PGHealthStore) ListRecent(ctx context.Context, project string, limit int) ([]store.HealthCheck, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if project != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+healthColumns+` FROM health_checks
			 WHERE project = $1 ORDER BY check_time DESC LIMIT $2`, project, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+healthColumns+` FROM health_checks ORDER BY check_time DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.HealthCheck
	for rows.Next() {
		hc, err := scanHealthCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *hc)
	}
	return out, rows.Err()
}

func (s *PGHealthStore) LastByType(ctx context.Context, project, checkType string) (*store.HealthCheck, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM health_checks
		 WHERE project = $1 AND check_type = $2
		 ORDER BY check_time DESC LIMIT 1`, project, checkType)
	hc, err := scanHealthCheck(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return hc, nil
}

func (s *PGHealthStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM health_checks WHERE check_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanHealthCheck(r rowScanner) (*store.HealthCheck, error) {
	var hc store.HealthCheck
	var details []byte
	if err := r.Scan(&hc.ID, &hc.Project, &hc.CheckTime, &hc.CheckType, &hc.Status,
		&details, &hc.ActionTaken, &hc.PSResponse); err != nil {
		return nil, err
	}
	hc.Details = scanJSONMap(details)
	return &hc, nil
}
