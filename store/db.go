package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"

	defaultSQLitePath = "crudauth.db"
	sqliteParams      = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	pingTimeout       = 10 * time.Second

	postgresMaxOpen     = 10
	postgresMaxIdle     = 5
	postgresMaxIdleTime = 5 * time.Minute
)

// Target names a database: the sql driver and its DSN.
type Target struct {
	Driver string
	DSN    string
}

// DB wraps sqlx.DB with the name of the driver it was opened with.
type DB struct {
	*sqlx.DB
	Driver string
}

// OpenFromConfig resolves the configured database and opens it, failing
// when it cannot be pinged within pingTimeout.
func OpenFromConfig(dbURL, sqlitePath, driverOverride string) (*DB, error) {
	target, err := ResolveTarget(dbURL, sqlitePath, driverOverride)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return Open(ctx, target)
}

// ResolveTarget picks postgres when a url is given or the driver asks for
// it, and a sqlite file otherwise.
func ResolveTarget(dbURL, sqlitePath, driverOverride string) (Target, error) {
	if sqlitePath == "" {
		sqlitePath = defaultSQLitePath
	}
	switch strings.ToLower(strings.TrimSpace(driverOverride)) {
	case "", "default":
		if dbURL != "" {
			return Target{Driver: DriverPostgres, DSN: dbURL}, nil
		}
	case "postgres", "postgresql", "pgx":
		if dbURL == "" {
			return Target{}, fmt.Errorf("db_url required for %s driver", driverOverride)
		}
		return Target{Driver: DriverPostgres, DSN: dbURL}, nil
	case "sqlite", "sqlite3":
	default:
		return Target{}, fmt.Errorf("unsupported db driver %q", driverOverride)
	}
	return Target{Driver: DriverSQLite, DSN: sqliteDSN(sqlitePath)}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?" + sqliteParams
}

// Open connects to t and pings it within ctx.
func Open(ctx context.Context, t Target) (*DB, error) {
	db, err := sqlx.Open(t.Driver, t.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.Driver, err)
	}
	db.MapperFunc(toSnake)
	switch t.Driver {
	case DriverSQLite:
		// one writer at a time
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db.SetMaxOpenConns(postgresMaxOpen)
		db.SetMaxIdleConns(postgresMaxIdle)
		db.SetConnMaxIdleTime(postgresMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", t.Driver, err)
	}
	return &DB{DB: db, Driver: t.Driver}, nil
}

// toSnake maps Go field names without a db tag onto column names.
func toSnake(s string) string {
	var out strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := rune(s[i-1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) {
					out.WriteByte('_')
				}
			}
			out.WriteRune(unicode.ToLower(r))
		} else {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("nil db")
	}
	return db.DB.BeginTxx(ctx, opts)
}
