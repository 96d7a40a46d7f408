package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/replica/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is an untracked write transaction against one store.
type Tx struct {
	tx *sql.Tx
}

var _ store.Tx = (*Tx)(nil)

// Find loads the row for key inside the transaction.
func (t *Tx) Find(ctx context.Context, shape *entity.Shape, key string) (entity.Entity, error) {
	return findRow(ctx, t.tx, shape, key)
}

// Insert writes every column of e.
func (t *Tx) Insert(ctx context.Context, shape *entity.Shape, e entity.Entity) error {
	cols := shape.ColumnNames()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		shape.Table, strings.Join(cols, ", "), placeholders)

	if _, err := t.tx.ExecContext(ctx, query, shape.Values(e)...); err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", shape.Name, e.KeyString(), err)
	}
	return nil
}

// Update writes the named columns of e. An empty column list is a no-op.
func (t *Tx) Update(ctx context.Context, shape *entity.Shape, e entity.Entity, columns []string) error {
	if len(columns) == 0 {
		return nil
	}

	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = c + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		shape.Table, strings.Join(sets, ", "), shape.KeyColumn())

	key, err := shape.ParseKey(e.KeyString())
	if err != nil {
		return err
	}
	args := append(shape.ValuesFor(e, columns), key)

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s %s: %w", shape.Name, e.KeyString(), err)
	}
	return nil
}

// Delete removes the row for key. A missing row is not an error.
func (t *Tx) Delete(ctx context.Context, shape *entity.Shape, key string) error {
	k, err := shape.ParseKey(key)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", shape.Table, shape.KeyColumn())
	if _, err := t.tx.ExecContext(ctx, query, k); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", shape.Name, key, err)
	}
	return nil
}

// AppendChange appends e to the ledger and returns its id.
func (t *Tx) AppendChange(ctx context.Context, e ledger.Entry) (int64, error) {
	return appendChange(ctx, t.tx, e)
}

// DeleteChange removes one ledger entry.
func (t *Tx) DeleteChange(ctx context.Context, id int64) error {
	return deleteChange(ctx, t.tx, id)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is
// not an error.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// findRow loads one row by key through q.
func findRow(ctx context.Context, q querier, shape *entity.Shape, key string) (entity.Entity, error) {
	k, err := shape.ParseKey(key)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(shape.ColumnNames(), ", "), shape.Table, shape.KeyColumn())

	e, err := shape.Scan(q.QueryRowContext(ctx, query, k))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", shape.Name, key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s %s: %w", shape.Name, key, err)
	}
	return e, nil
}
