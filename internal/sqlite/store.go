// Package sqlite implements the SQL backing store. One table is created per
// entity kind from its descriptor; every session gets a dedicated pooled
// connection and runs its commit in a database transaction. SQLite (through
// the pure Go modernc driver) and PostgreSQL (through pgx) are supported.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"goa.design/clue/log"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/mesh-intelligence/larder/internal/predicate"
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// DBFile is the database file created under DataDir for the sqlite backend.
const DBFile = "larder.db"

const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("store is closed")

var sqlOpen = sql.Open

// Store is a types.Store over a database/sql pool.
type Store struct {
	db      *sql.DB
	dialect Dialect
	reg     *schema.Registry
	matcher *predicate.Matcher
	closed  atomic.Bool
}

// Open connects to the database selected by cfg, which must name the sqlite
// or postgres backend, and creates any missing tables.
func Open(ctx context.Context, cfg types.Config, reg *schema.Registry) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := DialectFor(cfg.Backend)
	if err != nil {
		return nil, err
	}
	dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sqlOpen(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	s := New(db, d, reg)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dataSource returns the driver DSN. Without an explicit DSN the sqlite
// database lives in DataDir, which is created on demand.
func dataSource(cfg types.Config) (string, error) {
	if cfg.DSN != "" || cfg.Backend != types.BackendSQLite {
		return cfg.DSN, nil
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return "file:" + filepath.Join(dir, DBFile) + sqlitePragmas, nil
}

// New wraps an open pool. The caller keeps ownership of schema creation.
func New(db *sql.DB, d Dialect, reg *schema.Registry) *Store {
	return &Store{db: db, dialect: d, reg: reg, matcher: predicate.New()}
}

// Dialect returns the dialect the store speaks.
func (s *Store) Dialect() Dialect { return s.dialect }

// EnsureSchema creates the table and foreign-key indexes of every
// registered kind. Existing tables are left untouched.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.DDL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	log.Debug(ctx, log.KV{K: "msg", V: "schema ready"}, log.KV{K: "dialect", V: s.dialect.Name},
		log.KV{K: "kinds", V: len(s.reg.Kinds())})
	return nil
}

// DDL returns the statements EnsureSchema executes, in order.
func (s *Store) DDL() []string {
	var out []string
	for _, kind := range s.reg.Kinds() {
		desc, _ := s.reg.Descriptor(kind)
		out = append(out, s.dialect.createTable(desc))
		out = append(out, s.dialect.createIndexes(desc)...)
	}
	return out
}

// Connect reserves a pooled connection for one session.
func (s *Store) Connect(ctx context.Context) (types.Conn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &conn{store: s, db: c}, nil
}

// Close closes the pool. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
