package db

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/replica/store"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(time.Second)
		return now
	}
}

// openTestDB opens a migrated store in a temporary directory.
func openTestDB(t *testing.T, opts store.Options) *DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.db")
	database, err := OpenWithOptions(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, database.ApplyMigrations(context.Background()))
	// Start the clock after migrating so ledger stamps begin at t0.
	database.opts.Now = stepClock(t0)
	return database
}

func journalMode(t *testing.T, database *DB) string {
	t.Helper()
	var mode string
	require.NoError(t, database.conn.QueryRow("PRAGMA journal_mode").Scan(&mode))
	return strings.ToLower(mode)
}

func TestOpen_LocalUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.db")
	database, err := Open(path)
	require.NoError(t, err)
	defer database.Close()

	assert.Equal(t, path, database.Path())
	assert.Equal(t, store.RoleLocal, database.Role())
	assert.Equal(t, "wal", journalMode(t, database))
}

func TestOpen_RemoteMustExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.db")

	_, err := OpenWithOptions(path, store.Options{Role: store.RoleRemote, MustExist: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "remote store must not be created implicitly")
}

func TestOpen_RemoteUsesRollbackJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.db")
	seed, err := OpenWithOptions(path, store.Options{Role: store.RoleRemote})
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	database, err := OpenWithOptions(path, store.Options{Role: store.RoleRemote, MustExist: true})
	require.NoError(t, err)
	defer database.Close()

	assert.Equal(t, "delete", journalMode(t, database))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := OpenWithOptions(filepath.Join(t.TempDir(), "x.db"), store.Options{Driver: "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	database, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer database.Close()

	pending, err := database.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, pending)

	require.NoError(t, database.MigrateTo(ctx, 1))
	pending, err = database.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, pending)

	require.NoError(t, database.ApplyMigrations(ctx))
	require.NoError(t, database.ApplyMigrations(ctx), "migrations are idempotent")

	pending, err = database.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	version, err := database.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), version)
}

func TestPendingMigrations_DoesNotWrite(t *testing.T) {
	ctx := context.Background()
	database, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.PendingMigrations(ctx)
	require.NoError(t, err)

	var count int
	require.NoError(t, database.conn.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE name = 'schema_migrations'`).Scan(&count))
	assert.Zero(t, count)
}

func TestAdd_AppendsCreate(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t, store.Options{})

	p := &entity.Product{ID: 7, Code: "GB-7", Name: "Gearbox"}
	entry, err := database.Add(ctx, p)
	require.NoError(t, err)

	assert.NotZero(t, entry.ID)
	assert.Equal(t, ledger.OpCreate, entry.Operation)
	assert.Equal(t, "Product", entry.EntityName)
	assert.Equal(t, "7", entry.EntityID)
	assert.Empty(t, entry.BaseVersion)
	assert.NotEmpty(t, p.Version)
	assert.True(t, entry.Timestamp.Equal(t0))

	var snapshot entity.Product
	require.NoError(t, json.Unmarshal(entry.Payload, &snapshot))
	assert.Equal(t, p.Version, snapshot.Version)

	got, err := database.Get(ctx, "Product", "7")
	require.NoError(t, err)
	assert.Equal(t, "Gearbox", got.(*entity.Product).Name)

	_, err = database.Add(ctx, &entity.Product{ID: 7, Name: "Duplicate"})
	assert.ErrorIs(t, err, ErrExists)
}

func TestSave_CarriesBaseVersion(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t, store.Options{})

	a := &entity.Assembly{ID: 42, Name: "A"}
	_, err := database.Add(ctx, a)
	require.NoError(t, err)
	first := a.Version

	a.Name = "B"
	entry, err := database.Save(ctx, a)
	require.NoError(t, err)

	assert.Equal(t, ledger.OpUpdate, entry.Operation)
	assert.Equal(t, first, entry.BaseVersion)
	assert.NotEqual(t, first, a.Version)

	_, err = database.Save(ctx, &entity.Assembly{ID: 99, Name: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemove_AppendsDelete(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t, store.Options{})

	r := &entity.Record{ID: 5, PartNumber: "P-5", Name: "Shaft"}
	_, err := database.Add(ctx, r)
	require.NoError(t, err)

	entry, err := database.Remove(ctx, "Record", "5")
	require.NoError(t, err)
	assert.Equal(t, ledger.OpDelete, entry.Operation)
	assert.Nil(t, entry.Payload)
	assert.Equal(t, r.Version, entry.BaseVersion)

	_, err = database.Get(ctx, "Record", "5")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = database.Remove(ctx, "Widget", "1")
	assert.Error(t, err)
}

func TestChangesSince_Window(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t, store.Options{})

	for i := int64(1); i <= 3; i++ {
		_, err := database.Add(ctx, &entity.Product{ID: i, Name: "P"})
		require.NoError(t, err)
	}
	// Entries are stamped t0, t0+1s, t0+2s.

	all, err := database.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	window, err := database.ChangesSince(ctx, t0, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "2", window[0].EntityID)

	open, err := database.ChangesSince(ctx, t0, time.Time{})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	require.NoError(t, database.DeleteChange(ctx, all[0].ID))
	count, err := database.CountChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTx_UpdateOnlyNamedColumns(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t, store.Options{})

	productID := int64(7)
	_, err := database.Add(ctx, &entity.Assembly{ID: 42, ProductID: &productID, Name: "A"})
	require.NoError(t, err)

	tx, err := database.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, entity.AssemblyShape, &entity.Assembly{ID: 42, Name: "B"}, []string{"name"}))
	require.NoError(t, tx.Commit())

	got, err := database.Get(ctx, "Assembly", "42")
	require.NoError(t, err)
	a := got.(*entity.Assembly)
	assert.Equal(t, "B", a.Name)
	require.NotNil(t, a.ProductID)
	assert.Equal(t, int64(7), *a.ProductID)

	count, err := database.CountChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "untracked writes do not touch the ledger")
}

func TestTx_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t, store.Options{})

	tx, err := database.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, entity.ProductShape, &entity.Product{ID: 1, Name: "P"}))
	_, err = tx.AppendChange(ctx, ledger.Entry{EntityName: "Product", EntityID: "1", Operation: ledger.OpDelete, Timestamp: t0})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "second rollback is a no-op")

	_, err = database.Get(ctx, "Product", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	count, err := database.CountChanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestConflictLog(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t, store.Options{})

	c := ledger.ConflictRecord{
		EntityName:    "Record",
		EntityID:      "5",
		LocalPayload:  json.RawMessage(`{"id":5,"name":"local"}`),
		RemotePayload: json.RawMessage(`{"id":5,"name":"remote"}`),
		LocalVersion:  "v-local",
		RemoteVersion: "v-remote",
		Timestamp:     t0,
	}
	require.NoError(t, database.RecordConflict(ctx, c, ledger.ResolutionKeepRemote))

	logs, err := database.ListConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ledger.ResolutionKeepRemote, logs[0].Resolution)
	assert.Equal(t, "v-remote", logs[0].Conflict.RemoteVersion)
	assert.JSONEq(t, `{"id":5,"name":"local"}`, string(logs[0].Conflict.LocalPayload))
	assert.True(t, logs[0].Conflict.Timestamp.Equal(t0))
}

func TestSqliteDSN(t *testing.T) {
	dsn := sqliteDSN("/mnt/shared/catalog.db", store.Options{Role: store.RoleRemote, MustExist: true})

	assert.True(t, strings.HasPrefix(dsn, "file:/mnt/shared/catalog.db?"))
	assert.Contains(t, dsn, "mode=rw")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "journal_mode%28delete%29")
}
