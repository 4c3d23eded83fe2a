package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/izavyalov-dev/idcache/ledger/migrations"
)

// Several replicas may start at once; the advisory lock serializes them.
const migrationLockID = 0x1dcac4e

// ApplyMigrations applies pending embedded migrations in a single transaction.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	all, err := migrations.All()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`); err != nil {
			return err
		}

		for _, migration := range all {
			var applied bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE id = $1)`, migration.ID).Scan(&applied); err != nil {
				return err
			}
			if applied {
				continue
			}
			if _, err := tx.ExecContext(ctx, migration.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", migration.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, migration.ID); err != nil {
				return fmt.Errorf("record migration %s: %w", migration.ID, err)
			}
		}
		return nil
	})
}
