// Package db provides the SQLite-backed catalog store used on both sides of
// replication.
//
// The local store is a private file opened in WAL mode so UI readers never
// block a writing sync pass. The remote store is a shared file on a mounted
// path, opened with a rollback journal (WAL is unsafe over network file
// systems) and never created implicitly.
//
// Architecture:
//   - Catalog tables: products, assemblies, records
//   - Ledger: change_log, appended by tracked mutations (Add, Save, Remove)
//   - Audit: conflict_log, appended by the sync coordinator
//   - Schema: embedded numbered migrations tracked in schema_migrations
//
// Writes made through a Tx are untracked; replication uses them to replay
// foreign changes without echoing them back into the ledger.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/store"
)

// DefaultDriver is the database/sql driver used when Options.Driver is empty.
const DefaultDriver = "sqlite3"

// driverInfo describes how to reach one database/sql driver.
type driverInfo struct {
	dsn func(path string, opts store.Options) string
	// execPragmas applies connection pragmas with Exec after opening, for
	// drivers that cannot take them in the DSN.
	execPragmas bool
}

var drivers = map[string]driverInfo{
	DefaultDriver: {dsn: sqliteDSN},
}

// DB wraps one catalog database connection pool.
type DB struct {
	conn     *sql.DB
	path     string
	opts     store.Options
	registry *entity.Registry
}

var _ store.Store = (*DB)(nil)

// Open opens the local store at path, creating it and its parent directory
// if needed.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	database, err := db.Open("data/catalog.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, store.Options{Role: store.RoleLocal})
}

// OpenStore implements store.Opener.
func OpenStore(path string, opts store.Options) (store.Store, error) {
	return OpenWithOptions(path, opts)
}

// OpenWithOptions opens the store at path for the given role.
func OpenWithOptions(path string, opts store.Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if opts.Driver == "" {
		opts.Driver = DefaultDriver
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	info, ok := drivers[opts.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	if opts.MustExist {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", opts.Role, err)
		}
	} else {
		// Ensure parent directory exists
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open(opts.Driver, info.dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if info.execPragmas {
		// Pragmas applied with Exec only reach one connection.
		conn.SetMaxOpenConns(1)
		for _, pragma := range pragmas(opts) {
			if _, err := conn.Exec("PRAGMA " + pragma); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
			}
		}
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	return &DB{
		conn:     conn,
		path:     path,
		opts:     opts,
		registry: entity.Default(),
	}, nil
}

// pragmas returns the per-connection settings for a role.
func pragmas(opts store.Options) []string {
	journal := "journal_mode=WAL"
	if opts.Role == store.RoleRemote {
		journal = "journal_mode=DELETE"
	}
	return []string{journal, "busy_timeout=5000", "foreign_keys=ON"}
}

// sqliteDSN builds an ncruces URI filename. Pragmas go in the DSN so every
// pooled connection gets them; writers take the lock up front.
func sqliteDSN(path string, opts store.Options) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if opts.Role == store.RoleRemote {
		q.Add("_pragma", "journal_mode(delete)")
	} else {
		q.Add("_pragma", "journal_mode(wal)")
	}
	q.Set("_txlock", "immediate")
	if opts.MustExist {
		q.Set("mode", "rw")
	}
	u := url.URL{Scheme: "file", Opaque: path, RawQuery: q.Encode()}
	return u.String()
}

// Path returns the file the store was opened from.
func (db *DB) Path() string {
	return db.path
}

// Role reports whether this is the local or remote store.
func (db *DB) Role() store.Role {
	return db.opts.Role
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Registry returns the entity shapes this store knows.
func (db *DB) Registry() *entity.Registry {
	return db.registry
}

func (db *DB) now() time.Time {
	return db.opts.Now().UTC()
}

// Close closes the database connection.
// The local store checkpoints its WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.opts.Role == store.RoleLocal {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Find loads the row for key outside any transaction.
func (db *DB) Find(ctx context.Context, shape *entity.Shape, key string) (entity.Entity, error) {
	return findRow(ctx, db.conn, shape, key)
}

// Begin starts an untracked write transaction.
func (db *DB) Begin(ctx context.Context) (store.Tx, error) {
	return db.begin(ctx)
}

func (db *DB) begin(ctx context.Context) (*Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}
