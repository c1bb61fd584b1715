package pg

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// PGCNAMEStore implements store.CNAMEStore. The tunnel manager inserts
// only after DNS + ingress + reload succeeded, so a row here means the
// alias is (or was) live.
type PGCNAMEStore struct {
	db *sql.DB
}

func NewCNAMEStore(db *sql.DB) *PGCNAMEStore {
	return &PGCNAMEStore{db: db}
}

const cnameColumns = `id, subdomain, domain, target, target_type, project, dns_record_id, created_at`

func (s *PGCNAMEStore) Insert(ctx context.Context, c *store.CNAME) error {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO cnames (subdomain, domain, target, target_type, project, dns_record_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		c.Subdomain, c.Domain, c.Target, c.TargetType, c.Project, c.DNSRecordID,
	)
	return row.Scan(&c.ID, &c.CreatedAt)
}

func (s *PGCNAMEStore) GetByHostname(ctx context.Context, subdomain, domain string) (*store.CNAME, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cnameColumns+` FROM cnames WHERE subdomain = $1 AND domain = $2`,
		subdomain, domain)
	c, err := scanCNAME(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return c, nil
}

func (s *PGCNAMEStore) List(ctx context.Context, project string) ([]store.CNAME, error) {
	var rows *sql.Rows
	var err error
	if project != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cnameColumns+` FROM cnames WHERE project = $1 ORDER BY created_at DESC`, project)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cnameColumns+` FROM cnames ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.CNAME
	for rows.Next() {
		c, err := scanCNAME(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PGCNAMEStore) Delete(ctx context.Context, subdomain, domain string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cnames WHERE subdomain = $1 AND domain = $2`, subdomain, domain)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanCNAME(r rowScanner) (*store.CNAME, error) {
	var c store.CNAME
	if err := r.Scan(&c.ID, &c.Subdomain, &c.Domain, &c.Target, &c.TargetType,
		&c.Project, &c.DNSRecordID, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
