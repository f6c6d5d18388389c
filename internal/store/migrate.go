package store

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"
)

// Migrate applies pending goose migrations from dir against the database.
// The migrations carry the uniqueness constraints the services rely on,
// so the server refuses to start if they cannot be applied.
func (d *DB) Migrate(ctx context.Context, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, d.Client, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the current goose migration version.
func (d *DB) MigrationVersion(ctx context.Context) (int64, error) {
	version, err := goose.GetDBVersionContext(ctx, d.Client)
	if err != nil {
		return 0, fmt.Errorf("get migration version: %w", err)
	}
	return version, nil
}
