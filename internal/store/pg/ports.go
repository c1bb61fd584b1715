package pg

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// PGPortStore implements store.PortStore. Range policy (which ports a
// project may hold) is decided by the directory layer before Insert.
type PGPortStore struct {
	db *sql.DB
}

func NewPortStore(db *sql.DB) *PGPortStore {
	return &PGPortStore{db: db}
}

const portColumns = `project, service, hostname, protocol, port, assigned_at`

func (s *PGPortStore) Get(ctx context.Context, project, service string) (*store.PortAssignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+portColumns+` FROM port_assignments WHERE project = $1 AND service = $2`,
		project, service)
	pa, err := scanPort(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return pa, nil
}

func (s *PGPortStore) Insert(ctx context.Context, pa *store.PortAssignment) error {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO port_assignments (project, service, hostname, protocol, port)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING assigned_at`,
		pa.Project, pa.Service, pa.Hostname, pa.Protocol, pa.Port,
	)
	return row.Scan(&pa.AssignedAt)
}

func (s *PGPortStore) List(ctx context.Context, project string) ([]store.PortAssignment, error) {
	var rows *sql.Rows
	var err error
	if project != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+portColumns+` FROM port_assignments WHERE project = $1 ORDER BY port ASC`, project)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+portColumns+` FROM port_assignments ORDER BY port ASC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PortAssignment
	for rows.Next() {
		pa, err := scanPort(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pa)
	}
	return out, rows.Err()
}

func (s *PGPortStore) UsedPorts(ctx context.Context, lo, hi int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT port FROM port_assignments WHERE port >= $1 AND port <= $2 ORDER BY port ASC`,
		lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGPortStore) Release(ctx context.Context, project, service string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM port_assignments WHERE project = $1 AND service = $2`, project, service)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanPort(r rowScanner) (*store.PortAssignment, error) {
	var pa store.PortAssignment
	if err := r.Scan(&pa.Project, &pa.Service, &pa.Hostname, &pa.Protocol, &pa.Port, &pa.AssignedAt); err != nil {
		return nil, err
	}
	return &pa, nil
}
