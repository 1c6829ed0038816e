package scandb

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stored in PRAGMA user_version. Bump it with every change
// to schema.sql.
const schemaVersion = 1

// ErrSchemaMismatch means the database was written by a different release.
var ErrSchemaMismatch = errors.New("scan database schema mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	switch version {
	case schemaVersion:
		return nil
	case 0:
		var tables int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name IN ('scans', 'images')",
		).Scan(&tables); err != nil {
			return fmt.Errorf("inspect tables: %w", err)
		}
		if tables > 0 {
			return fmt.Errorf("%w: %s has scan tables but no schema version", ErrSchemaMismatch, s.path)
		}
		return s.createSchema(ctx)
	default:
		return fmt.Errorf("%w: %s is version %d, this build expects %d", ErrSchemaMismatch, s.path, version, schemaVersion)
	}
}

// createSchema creates the tables and stamps the version in one transaction,
// so a crash leaves either an empty file or a complete schema.
func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return tx.Commit()
}
