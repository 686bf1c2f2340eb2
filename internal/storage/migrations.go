package storage

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	1: `
CREATE TABLE IF NOT EXISTS lock_events (
  seq       INTEGER PRIMARY KEY AUTOINCREMENT,
  kind      TEXT NOT NULL,
  origin    TEXT NOT NULL,
  opaque    INTEGER NOT NULL DEFAULT 0,
  lock_id   INTEGER NOT NULL,
  mode      TEXT NOT NULL,
  scopes    TEXT NOT NULL,
  lease_id  TEXT,
  owner_id  TEXT,
  at_ns     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lock_events_origin ON lock_events(origin, seq);
CREATE INDEX IF NOT EXISTS idx_lock_events_lock ON lock_events(lock_id);
`,
	2: `
CREATE INDEX IF NOT EXISTS idx_lock_events_owner ON lock_events(owner_id, seq);
`,
}

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	latest := len(migrations) - 1

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latest; v++ {
		if err := apply(ctx, d.DB, v); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, d.DB)
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, version int) error {
	if version <= 0 || version >= len(migrations) {
		return fmt.Errorf("unknown migration version: %d", version)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migrations[version]); err != nil {
		return fmt.Errorf("migration v%d failed: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, version); err != nil {
		return err
	}
	return tx.Commit()
}
