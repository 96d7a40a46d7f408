package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/replica/store"
)

// ErrExists is returned by Add when the key is already taken.
var ErrExists = errors.New("already exists")

// Add inserts a new entity and appends a Create entry to the ledger in the
// same transaction. The entity is stamped with a fresh version token.
func (db *DB) Add(ctx context.Context, e entity.Entity) (ledger.Entry, error) {
	shape, err := db.shapeOf(e)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := e.Validate(); err != nil {
		return ledger.Entry{}, fmt.Errorf("invalid %s: %w", shape.Name, err)
	}

	return db.tracked(ctx, func(tx *Tx, entry ledger.Entry) (ledger.Entry, error) {
		if _, err := tx.Find(ctx, shape, e.KeyString()); err == nil {
			return entry, fmt.Errorf("%s %s: %w", shape.Name, e.KeyString(), ErrExists)
		} else if !errors.Is(err, store.ErrNotFound) {
			return entry, err
		}

		stamp(e, entry)
		if err := tx.Insert(ctx, shape, e); err != nil {
			return entry, err
		}
		return db.captured(shape, e, ledger.OpCreate, "", entry)
	})
}

// Save overwrites an existing entity and appends an Update entry carrying
// the version token it replaced.
func (db *DB) Save(ctx context.Context, e entity.Entity) (ledger.Entry, error) {
	shape, err := db.shapeOf(e)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := e.Validate(); err != nil {
		return ledger.Entry{}, fmt.Errorf("invalid %s: %w", shape.Name, err)
	}

	return db.tracked(ctx, func(tx *Tx, entry ledger.Entry) (ledger.Entry, error) {
		current, err := tx.Find(ctx, shape, e.KeyString())
		if err != nil {
			return entry, err
		}

		base := current.VersionToken()
		stamp(e, entry)
		if err := tx.Update(ctx, shape, e, shape.ColumnNames()[1:]); err != nil {
			return entry, err
		}
		return db.captured(shape, e, ledger.OpUpdate, base, entry)
	})
}

// Remove deletes an existing entity and appends a Delete entry.
func (db *DB) Remove(ctx context.Context, name, key string) (ledger.Entry, error) {
	shape, ok := db.registry.Lookup(name)
	if !ok {
		return ledger.Entry{}, fmt.Errorf("unknown entity %q", name)
	}

	return db.tracked(ctx, func(tx *Tx, entry ledger.Entry) (ledger.Entry, error) {
		current, err := tx.Find(ctx, shape, key)
		if err != nil {
			return entry, err
		}
		if err := tx.Delete(ctx, shape, key); err != nil {
			return entry, err
		}

		entry.EntityName = shape.Name
		entry.EntityID = key
		entry.Operation = ledger.OpDelete
		entry.BaseVersion = current.VersionToken()
		return entry, nil
	})
}

// Get loads an entity by registry name and key.
func (db *DB) Get(ctx context.Context, name, key string) (entity.Entity, error) {
	shape, ok := db.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return db.Find(ctx, shape, key)
}

// tracked runs fn in a transaction and appends the entry it returns to the
// ledger before committing. fn receives an entry pre-stamped with the
// capture time.
func (db *DB) tracked(ctx context.Context, fn func(tx *Tx, entry ledger.Entry) (ledger.Entry, error)) (ledger.Entry, error) {
	tx, err := db.begin(ctx)
	if err != nil {
		return ledger.Entry{}, err
	}
	defer tx.Rollback()

	entry, err := fn(tx, ledger.Entry{Timestamp: db.now()})
	if err != nil {
		return ledger.Entry{}, err
	}

	id, err := tx.AppendChange(ctx, entry)
	if err != nil {
		return ledger.Entry{}, err
	}
	entry.ID = id

	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

// captured builds the ledger entry for a written entity.
func (db *DB) captured(shape *entity.Shape, e entity.Entity, op ledger.Operation, base string, entry ledger.Entry) (ledger.Entry, error) {
	payload, err := shape.Encode(e)
	if err != nil {
		return entry, err
	}
	entry.EntityName = shape.Name
	entry.EntityID = e.KeyString()
	entry.Operation = op
	entry.Payload = payload
	entry.BaseVersion = base
	return entry, nil
}

func (db *DB) shapeOf(e entity.Entity) (*entity.Shape, error) {
	shape, ok := db.registry.Lookup(e.EntityName())
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", e.EntityName())
	}
	return shape, nil
}

// stamp sets the modification time and a fresh version token.
func stamp(e entity.Entity, entry ledger.Entry) {
	e.Touch(entry.Timestamp)
	e.SetVersionToken(uuid.NewString())
}
