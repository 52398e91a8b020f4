// Package store implements the relational source of truth for robots,
// versions, runs, schedules, SLA rules, alerts, workers, logs and artifacts.
//
// Two engines are supported through the same API: PostgreSQL (pgx) for
// production and SQLite (mattn) for development and tests. Queries are
// written with ? placeholders and rebound per driver; the few statements
// that differ by engine are switched on the dialect.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	// Database drivers.
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

type (
	// Store is the shared database client. It is safe for concurrent use;
	// one instance is created at startup and injected into every component.
	Store struct {
		db      *sqlx.DB
		dialect string
		now     func() time.Time

		// localLocks backs TryNamedLock on engines without advisory locks.
		localLocks sync.Map // string -> *sync.Mutex
	}

	// Options configures Open.
	Options struct {
		// URL selects the engine: "postgres://..." or "sqlite:<path>".
		URL string
		// MaxOpenConns bounds the pool. Zero keeps the driver default.
		MaxOpenConns int
		// Now overrides the clock, for tests.
		Now func() time.Time
	}
)

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// Open connects to the database named by opts.URL.
func Open(opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, errors.New("database URL is required")
	}
	dialect, driver, dsn, err := parseURL(opts.URL)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if dialect == DialectSQLite {
		// A single connection keeps in-memory databases coherent and
		// serializes writers, which SQLite requires anyway.
		db.SetMaxOpenConns(1)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, dialect: dialect, now: now}, nil
}

func parseURL(url string) (dialect, driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, "pgx", url, nil
	case strings.HasPrefix(url, "sqlite:"):
		path := strings.TrimPrefix(url, "sqlite:")
		if path == "" {
			return "", "", "", errors.New("sqlite URL needs a path")
		}
		if !strings.Contains(path, "?") {
			path += "?_fk=1&_loc=UTC"
		}
		return DialectSQLite, "sqlite3", path, nil
	}
	return "", "", "", fmt.Errorf("unsupported database URL %q", url)
}

// Migrate applies all pending migrations for the current dialect.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	var dir string
	switch s.dialect {
	case DialectPostgres:
		dir = "migrations/postgres"
	case DialectSQLite:
		dir = "migrations/sqlite"
	default:
		return fmt.Errorf("no migrations for dialect %q", s.dialect)
	}
	if err := goose.SetDialect(s.dialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db.DB, dir)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the engine in use.
func (s *Store) Dialect() string {
	return s.dialect
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return "store"
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// TryNamedLock acquires the named lock without blocking. On PostgreSQL the
// lock is a session advisory lock visible across replicas; elsewhere it is
// process-local. The returned release func must be called when ok is true.
func (s *Store) TryNamedLock(ctx context.Context, name string) (release func(), ok bool, err error) {
	if s.dialect != DialectPostgres {
		v, _ := s.localLocks.LoadOrStore(name, &sync.Mutex{})
		mu := v.(*sync.Mutex)
		if !mu.TryLock() {
			return nil, false, nil
		}
		return mu.Unlock, true, nil
	}

	key := lockKey(name)
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var got bool
	if err := conn.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !got {
		conn.Close()
		return nil, false, nil
	}
	release = func() {
		// Unlock on the same session that took the lock.
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Close()
	}
	return release, true, nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) nowUTC() time.Time {
	return s.now().UTC()
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// either engine.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
