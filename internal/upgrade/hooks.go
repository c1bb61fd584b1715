package upgrade

import (
	"context"
	"database/sql"
)

// Data hooks live here, one init block per migration that needs a Go
// transformation on top of its SQL.

func init() {
	// Hostnames are compared case-insensitively everywhere; rows
	// written before the saga normalized subdomains can carry mixed
	// case and would dodge the duplicate check.
	RegisterDataHook(3, "0003_lowercase_cname_hostnames", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE cnames SET subdomain = lower(subdomain), domain = lower(domain)
			 WHERE subdomain <> lower(subdomain) OR domain <> lower(domain)`)
		return err
	})
}
