// Package store defines the contract between the replication core and a
// catalog database. The SQLite implementation lives in package db; tests
// substitute fakes to inject failures.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/ledger"
)

// ErrNotFound is returned by Find when no row has the given key.
var ErrNotFound = errors.New("not found")

// Role distinguishes the private local store from the shared remote one.
type Role int

const (
	// RoleLocal is the private store: WAL journal, created on demand.
	RoleLocal Role = iota
	// RoleRemote is the shared store on a mounted path: rollback journal,
	// never created implicitly.
	RoleRemote
)

func (r Role) String() string {
	if r == RoleRemote {
		return "remote"
	}
	return "local"
}

// Options configures how a store is opened.
type Options struct {
	Role Role

	// MustExist fails the open when the database file is missing.
	MustExist bool

	// Driver overrides the database/sql driver name. Empty selects the default.
	Driver string

	// Now stamps ledger entries and rows. Defaults to time.Now.
	Now func() time.Time
}

// Opener opens the store at path.
type Opener func(path string, opts Options) (Store, error)

// Store is one catalog database together with its change ledger.
type Store interface {
	// Path is the file the store was opened from.
	Path() string

	// PendingMigrations lists migration versions not yet applied.
	PendingMigrations(ctx context.Context) ([]int, error)
	// ApplyMigrations applies every pending migration in order.
	ApplyMigrations(ctx context.Context) error

	// Begin starts a write transaction.
	Begin(ctx context.Context) (Tx, error)

	// Find loads the row for key, or returns ErrNotFound.
	Find(ctx context.Context, shape *entity.Shape, key string) (entity.Entity, error)

	// ChangesSince returns ledger entries with after < timestamp <= until,
	// ascending by (timestamp, id). A zero until means no upper bound.
	ChangesSince(ctx context.Context, after, until time.Time) ([]ledger.Entry, error)
	// PendingChanges returns the whole ledger, ascending.
	PendingChanges(ctx context.Context) ([]ledger.Entry, error)
	// DeleteChange removes one propagated ledger entry.
	DeleteChange(ctx context.Context, id int64) error

	// RecordConflict appends a resolved conflict to the audit log.
	RecordConflict(ctx context.Context, c ledger.ConflictRecord, resolution string) error

	Close() error
}

// Tx is a write transaction. Writes made through Tx are not captured in the
// ledger unless AppendChange is called explicitly.
type Tx interface {
	Find(ctx context.Context, shape *entity.Shape, key string) (entity.Entity, error)
	Insert(ctx context.Context, shape *entity.Shape, e entity.Entity) error
	// Update writes only the named non-key columns.
	Update(ctx context.Context, shape *entity.Shape, e entity.Entity, columns []string) error
	Delete(ctx context.Context, shape *entity.Shape, key string) error

	// AppendChange appends e to this store's ledger and returns its new id.
	AppendChange(ctx context.Context, e ledger.Entry) (int64, error)
	DeleteChange(ctx context.Context, id int64) error

	Commit() error
	Rollback() error
}
