// Package store is the dialect-aware persistence layer for the
// orchestrator: one schema, two drivers (embedded SQLite for single-node
// deployments, Postgres for HA), selected at Open time and hidden behind
// a small set of dialect-branching helpers so the rest of the package can
// write queries once.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies which SQL backend a Store talks to.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by CAS-style updates (leader lease
// insert/renew/steal, approval decide)
// that lose the race.
var ErrConflict = errors.New("store: conflict")

// Store wraps a *sql.DB together with the dialect it talks to, since
// several queries (claim-for-update, upsert, now()) have no single
// portable spelling across SQLite and Postgres.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to either an embedded SQLite file or a Postgres DSN and
// ensures the schema exists. dsn is interpreted as a SQLite file path
// unless it looks like a Postgres connection string (starts with
// "postgres://" or "postgresql://").
func Open(dsn string) (*Store, error) {
	dialect := SQLite
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = Postgres
		driver = "pgx"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}

	s := &Store{db: db, dialect: dialect}

	if dialect == SQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle for packages (queue, leader) that need
// to run dialect-branching transactions of their own.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports which backend this Store talks to.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Now returns the current time truncated to millisecond precision, the
// granularity every timestamp column in the schema stores.
func Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// placeholders returns n positional SQL parameter placeholders appropriate
// to the dialect: "?" repeated for SQLite, "$1..$n" for Postgres.
func (s *Store) placeholders(n int) []string {
	ph := make([]string, n)
	for i := 0; i < n; i++ {
		if s.dialect == Postgres {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return ph
}

// Rebind rewrites a query written with "?" placeholders into the
// dialect's native placeholder syntax, exported so sibling packages
// (queue, leader) that run their own hand-written SQL against this
// Store's DB() handle can share the rewriting instead of duplicating it.
func (s *Store) Rebind(query string) string {
	return s.rebind(query)
}

// rebind rewrites a query written with "?" placeholders into the dialect's
// native placeholder syntax, so call sites can write one SQL string.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nowFunc returns the SQL fragment each dialect uses for
// "current timestamp" inside an upsert/insert statement that does not
// otherwise bind a Go time.Time.
func (s *Store) nowFunc() string {
	if s.dialect == Postgres {
		return "now()"
	}
	return "CURRENT_TIMESTAMP"
}

type scanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
