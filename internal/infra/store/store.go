// Package store persists engine state in SQLite (modernc, pure Go) or
// PostgreSQL (lib/pq) through database/sql.
//
// Every mutating method is a single statement whose WHERE clause carries the
// precondition, so correctness never depends on in-process locks and several
// engine instances can share one database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/expertline/expertline/internal/domain"
)

// Dialect selects SQL placeholder style and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Config selects and locates the backing database.
type Config struct {
	Driver       Dialect
	Path         string // SQLite file, created with its directory
	DSN          string // PostgreSQL connection string
	MaxOpenConns int
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn holds the query methods shared by DB and Tx.
type conn struct {
	q       querier
	dialect Dialect
}

// DB is the engine's database handle. It implements domain.Store.
type DB struct {
	conn
	db *sql.DB
}

// Tx is a transaction scoped view. It implements domain.Queries.
type Tx struct {
	conn
}

var (
	_ domain.Store       = (*DB)(nil)
	_ domain.Queries     = (*Tx)(nil)
	_ domain.RosterStore = (*DB)(nil)
	_ domain.LeaseStore  = (*DB)(nil)
)

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	var (
		driver, dsn string
	)
	switch cfg.Driver {
	case SQLite, "":
		cfg.Driver = SQLite
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: sqlite path is required")
		}
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("store: create dir: %w", err)
			}
		}
		driver = "sqlite"
		dsn = cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)" +
			"&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	case Postgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store: postgres dsn is required")
		}
		driver, dsn = "postgres", cfg.DSN
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	d := &DB{conn: conn{q: sqlDB, dialect: cfg.Driver}, db: sqlDB}
	if err := d.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// OpenDir opens the SQLite database expertline.db inside dir.
func OpenDir(dir string) (*DB, error) {
	return Open(context.Background(), Config{Driver: SQLite, Path: filepath.Join(dir, "expertline.db")})
}

// Close releases the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// Dialect reports which backend is in use.
func (d *DB) Dialect() Dialect { return d.dialect }

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Migrate applies the schema in one transaction. Statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	for _, stmt := range Migrations() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migrate: %w\n%s", err, stmt)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migration: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction, committing when it returns nil.
// fn must only use the Queries it is given.
func (d *DB) InTx(ctx context.Context, fn func(q domain.Queries) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(&Tx{conn: conn{q: tx, dialect: d.dialect}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c conn) rebind(query string) string {
	if c.dialect != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// execCAS runs a conditional update and reports whether any row matched.
func (c conn) execCAS(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Timestamps are stored as Unix milliseconds in BIGINT columns so both
// dialects compare and index them the same way.

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
