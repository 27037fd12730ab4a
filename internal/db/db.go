// Package db implements session.Store over SQLite, PostgreSQL and memory.
package db

import (
	"context"
	"fmt"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/session"
)

var (
	_ session.Store = (*SQLiteStore)(nil)
	_ session.Store = (*PostgresStore)(nil)
	_ session.Store = (*MemoryStore)(nil)
)

// Open returns the store selected by cfg.Storage
func Open(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite, "":
		return NewSQLite(ctx, cfg.DBPath())
	case config.DriverPostgres:
		return NewPostgres(ctx, cfg.Storage.PostgresURL)
	case config.DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
