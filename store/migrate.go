package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

var dialects = map[string]struct {
	dialect goose.Dialect
	dir     string
}{
	DriverSQLite:   {goose.DialectSQLite3, "migrations/sqlite"},
	DriverPostgres: {goose.DialectPostgres, "migrations/postgres"},
}

// Migrate applies the embedded migrations for db's driver. Each call builds
// its own goose provider, so concurrent migrations of different databases
// do not share state.
func Migrate(ctx context.Context, db *DB) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("db is nil")
	}
	d, ok := dialects[db.Driver]
	if !ok {
		return fmt.Errorf("no migrations for driver %q", db.Driver)
	}
	fsys, err := fs.Sub(migrations, d.dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(d.dialect, db.DB.DB, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
