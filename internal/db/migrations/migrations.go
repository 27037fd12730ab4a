// Package migrations embeds the schema for each supported database and
// applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/neboloop/nebochat/internal/logging"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// Dialects with an embedded migration set
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// Run applies all pending migrations for dialect
func Run(ctx context.Context, db *sql.DB, dialect string) error {
	var d database.Dialect
	switch dialect {
	case SQLite:
		d = database.DialectSQLite3
	case Postgres:
		d = database.DialectPostgres
	default:
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}

	fsys, err := fs.Sub(files, dialect)
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(d, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logging.Debugf("[db] Applied migration %s (%s)", r.Source.Path, r.Duration)
	}
	return nil
}

// Version returns the current schema version
func Version(ctx context.Context, db *sql.DB, dialect string) (int64, error) {
	d := database.DialectSQLite3
	if dialect == Postgres {
		d = database.DialectPostgres
	}
	fsys, err := fs.Sub(files, dialect)
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(d, db, fsys)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}
