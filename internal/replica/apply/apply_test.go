package apply_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechcat/partsync/internal/replica/apply"
	"github.com/mechcat/partsync/internal/replica/db"
	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/replica/store"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.ApplyMigrations(context.Background()))
	return database
}

func entry(id int64, name, key string, op ledger.Operation, payload string, at time.Time) ledger.Entry {
	e := ledger.Entry{ID: id, EntityName: name, EntityID: key, Operation: op, Timestamp: at}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return e
}

func TestApply_OperationMatrix(t *testing.T) {
	ctx := context.Background()
	target := openStore(t)
	a := apply.New(nil, nil)

	res, err := a.Apply(ctx, target, []ledger.Entry{
		entry(1, "Product", "7", ledger.OpCreate, `{"id":7,"name":"Gearbox","version":"v1"}`, t0),
		entry(2, "Product", "7", ledger.OpCreate, `{"id":7,"name":"Gearbox II","version":"v2"}`, t0.Add(time.Second)),
		entry(3, "Assembly", "42", ledger.OpUpdate, `{"id":42,"name":"A","version":"v1"}`, t0.Add(2*time.Second)),
		entry(4, "Record", "5", ledger.OpDelete, "", t0.Add(3*time.Second)),
	})
	require.NoError(t, err)

	assert.Equal(t, apply.Result{Inserted: 2, Updated: 1, Skipped: 1}, res)

	p, err := target.Get(ctx, "Product", "7")
	require.NoError(t, err)
	assert.Equal(t, "Gearbox II", p.(*entity.Product).Name, "create on existing row updates it")

	_, err = target.Get(ctx, "Assembly", "42")
	assert.NoError(t, err, "update of a missing row inserts it")
}

func TestApply_SortsAscending(t *testing.T) {
	ctx := context.Background()
	target := openStore(t)

	// Delivered out of order: the delete is the latest change.
	_, err := apply.New(nil, nil).Apply(ctx, target, []ledger.Entry{
		entry(2, "Product", "7", ledger.OpDelete, "", t0.Add(time.Minute)),
		entry(1, "Product", "7", ledger.OpCreate, `{"id":7,"name":"Gearbox"}`, t0),
	})
	require.NoError(t, err)

	_, err = target.Get(ctx, "Product", "7")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_UpdateKeepsOmittedRelationships(t *testing.T) {
	ctx := context.Background()
	target := openStore(t)
	a := apply.New(nil, nil)

	_, err := a.Apply(ctx, target, []ledger.Entry{
		entry(1, "Assembly", "42", ledger.OpCreate, `{"id":42,"product_id":7,"name":"A"}`, t0),
	})
	require.NoError(t, err)

	_, err = a.Apply(ctx, target, []ledger.Entry{
		entry(2, "Assembly", "42", ledger.OpUpdate, `{"id":42,"name":"B"}`, t0.Add(time.Minute)),
	})
	require.NoError(t, err)

	got, err := target.Get(ctx, "Assembly", "42")
	require.NoError(t, err)
	asm := got.(*entity.Assembly)
	assert.Equal(t, "B", asm.Name)
	require.NotNil(t, asm.ProductID)
	assert.Equal(t, int64(7), *asm.ProductID)
}

func TestApply_SavedClearedFieldsReachPeer(t *testing.T) {
	ctx := context.Background()
	source := openStore(t)
	peer := openStore(t)
	a := apply.New(nil, nil)

	assemblyID := int64(42)
	created, err := source.Add(ctx, &entity.Record{
		ID: 5, AssemblyID: &assemblyID, PartNumber: "P-5", Name: "Bolt",
		Material: "steel", MassKg: 1.5, Drawing: "D-5", Notes: "torque 40Nm",
	})
	require.NoError(t, err)
	_, err = a.Apply(ctx, peer, []ledger.Entry{created})
	require.NoError(t, err)

	saved, err := source.Save(ctx, &entity.Record{ID: 5, PartNumber: "P-5", Name: "Bolt"})
	require.NoError(t, err)
	_, err = a.Apply(ctx, peer, []ledger.Entry{saved})
	require.NoError(t, err)

	want, err := source.Get(ctx, "Record", "5")
	require.NoError(t, err)
	got, err := peer.Get(ctx, "Record", "5")
	require.NoError(t, err)

	rec := got.(*entity.Record)
	assert.Nil(t, rec.AssemblyID)
	assert.Empty(t, rec.Notes)
	assert.Zero(t, rec.MassKg)
	assert.Equal(t, want, got)
}

func TestApply_UnknownEntitySkipped(t *testing.T) {
	ctx := context.Background()
	target := openStore(t)

	res, err := apply.New(nil, nil).Apply(ctx, target, []ledger.Entry{
		entry(1, "Supplier", "3", ledger.OpCreate, `{"id":3}`, t0),
		entry(2, "Product", "7", ledger.OpCreate, `{"id":7,"name":"Gearbox"}`, t0),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Inserted)
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	target := openStore(t)
	a := apply.New(nil, nil)

	window := []ledger.Entry{
		entry(1, "Record", "5", ledger.OpCreate, `{"id":5,"part_number":"P-5","name":"Shaft","version":"v1"}`, t0),
		entry(2, "Record", "5", ledger.OpUpdate, `{"id":5,"part_number":"P-5","name":"Shaft","mass_kg":1.5,"version":"v2"}`, t0.Add(time.Second)),
		entry(3, "Record", "6", ledger.OpCreate, `{"id":6,"part_number":"P-6","name":"Key","version":"v1"}`, t0.Add(2*time.Second)),
		entry(4, "Record", "6", ledger.OpDelete, "", t0.Add(3*time.Second)),
	}

	_, err := a.Apply(ctx, target, window)
	require.NoError(t, err)
	first, err := target.Get(ctx, "Record", "5")
	require.NoError(t, err)

	_, err = a.Apply(ctx, target, window)
	require.NoError(t, err)
	second, err := target.Get(ctx, "Record", "5")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	_, err = target.Get(ctx, "Record", "6")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_RelayAppendsToTargetLedger(t *testing.T) {
	ctx := context.Background()
	target := openStore(t)
	a := apply.New(nil, nil)
	a.Relay = true

	res, err := a.Apply(ctx, target, []ledger.Entry{
		entry(10, "Product", "7", ledger.OpCreate, `{"id":7,"name":"Gearbox"}`, t0),
		entry(11, "Product", "8", ledger.OpDelete, "", t0.Add(time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Relayed, "no-op deletes are not relayed")

	relayed, err := target.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, relayed, 1)
	assert.True(t, relayed[0].Timestamp.Equal(t0), "relay keeps the capture timestamp")
}

func TestApply_RelayAtRestampsOlderEntries(t *testing.T) {
	ctx := context.Background()
	target := openStore(t)
	a := apply.New(nil, nil)
	a.Relay = true
	a.RelayAt = t0.Add(time.Minute)

	_, err := a.Apply(ctx, target, []ledger.Entry{
		entry(10, "Product", "7", ledger.OpCreate, `{"id":7,"name":"Gearbox"}`, t0),
		entry(11, "Product", "8", ledger.OpCreate, `{"id":8,"name":"Pump"}`, t0.Add(time.Hour)),
	})
	require.NoError(t, err)

	relayed, err := target.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, relayed, 2)
	assert.True(t, relayed[0].Timestamp.Equal(t0.Add(time.Minute)))
	assert.Equal(t, "7", relayed[0].EntityID)
	assert.True(t, relayed[1].Timestamp.Equal(t0.Add(time.Hour)), "later entries keep their timestamp")
}

func TestRestamp(t *testing.T) {
	e := entry(1, "Product", "7", ledger.OpDelete, "", t0)

	assert.True(t, apply.Restamp(e, time.Time{}).Timestamp.Equal(t0))
	assert.True(t, apply.Restamp(e, t0.Add(-time.Minute)).Timestamp.Equal(t0))
	assert.True(t, apply.Restamp(e, t0.Add(time.Minute)).Timestamp.Equal(t0.Add(time.Minute)))
	assert.True(t, e.Timestamp.Equal(t0), "the input is not modified")
}

// faultyStore wraps a real store and fails the n-th write of a transaction.
type faultyStore struct {
	store.Store
	failAt int
}

func (s *faultyStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, failAt: s.failAt}, nil
}

type faultyTx struct {
	store.Tx
	failAt int
	writes int
}

var errInjected = errors.New("injected write failure")

func (t *faultyTx) write() error {
	t.writes++
	if t.writes == t.failAt {
		return errInjected
	}
	return nil
}

func (t *faultyTx) Insert(ctx context.Context, shape *entity.Shape, e entity.Entity) error {
	if err := t.write(); err != nil {
		return err
	}
	return t.Tx.Insert(ctx, shape, e)
}

func (t *faultyTx) Update(ctx context.Context, shape *entity.Shape, e entity.Entity, columns []string) error {
	if err := t.write(); err != nil {
		return err
	}
	return t.Tx.Update(ctx, shape, e, columns)
}

func TestApply_AtomicOnFailure(t *testing.T) {
	ctx := context.Background()

	for k := 1; k <= 3; k++ {
		t.Run(fmt.Sprintf("fail at write %d", k), func(t *testing.T) {
			target := openStore(t)
			faulty := &faultyStore{Store: target, failAt: k}

			_, err := apply.New(nil, nil).Apply(ctx, faulty, []ledger.Entry{
				entry(1, "Product", "1", ledger.OpCreate, `{"id":1,"name":"P1"}`, t0),
				entry(2, "Product", "2", ledger.OpCreate, `{"id":2,"name":"P2"}`, t0.Add(time.Second)),
				entry(3, "Product", "3", ledger.OpCreate, `{"id":3,"name":"P3"}`, t0.Add(2*time.Second)),
			})
			require.ErrorIs(t, err, errInjected)

			for _, id := range []string{"1", "2", "3"} {
				_, err := target.Get(ctx, "Product", id)
				assert.ErrorIs(t, err, store.ErrNotFound, "product %s must not be visible", id)
			}
		})
	}
}

func TestApply_BadPayloadRollsBack(t *testing.T) {
	ctx := context.Background()
	target := openStore(t)

	_, err := apply.New(nil, nil).Apply(ctx, target, []ledger.Entry{
		entry(1, "Product", "1", ledger.OpCreate, `{"id":1,"name":"P1"}`, t0),
		entry(2, "Product", "2", ledger.OpCreate, `{"id":3,"name":"wrong key"}`, t0.Add(time.Second)),
	})
	require.Error(t, err)

	_, err = target.Get(ctx, "Product", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
