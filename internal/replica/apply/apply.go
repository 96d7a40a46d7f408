// Package apply replays ordered ledger entries against one store inside a
// single all-or-nothing transaction.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/replica/store"
)

// Result counts what one Apply call did.
type Result struct {
	Inserted int
	Updated  int
	Deleted  int
	// Skipped counts deletes of absent rows and entries for unknown entities.
	Skipped int
	// Relayed counts entries appended to the target's ledger.
	Relayed int
}

// Total is the number of entries that changed a row.
func (r Result) Total() int {
	return r.Inserted + r.Updated + r.Deleted
}

// Applier replays entries. The zero value is not usable; use New.
type Applier struct {
	registry *entity.Registry
	logger   *slog.Logger

	// Relay appends every applied entry to the target's ledger, so peers
	// syncing against the target later see it.
	Relay bool

	// RelayAt restamps relayed entries captured before it. Peers whose
	// checkpoint already passed the original capture time still find them.
	RelayAt time.Time
}

// New creates an Applier. A nil logger discards output.
func New(registry *entity.Registry, logger *slog.Logger) *Applier {
	if registry == nil {
		registry = entity.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{registry: registry, logger: logger}
}

// Apply replays entries against target in ascending (timestamp, id) order
// inside one transaction. Any failure rolls back every write of the call.
func (a *Applier) Apply(ctx context.Context, target store.Store, entries []ledger.Entry) (Result, error) {
	var res Result
	if len(entries) == 0 {
		return res, nil
	}

	ordered := make([]ledger.Entry, len(entries))
	copy(ordered, entries)
	ledger.Sort(ordered)

	tx, err := target.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for i := range ordered {
		if err := a.applyOne(ctx, tx, &ordered[i], &res); err != nil {
			return Result{}, fmt.Errorf("failed to apply %s entry %d for %s: %w",
				ordered[i].Operation, ordered[i].ID, ordered[i].Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (a *Applier) applyOne(ctx context.Context, tx store.Tx, e *ledger.Entry, res *Result) error {
	shape, ok := a.registry.Lookup(e.EntityName)
	if !ok {
		a.logger.Warn("skipping ledger entry for unknown entity",
			"entity", e.EntityName, "entity_id", e.EntityID, "entry_id", e.ID)
		res.Skipped++
		return nil
	}

	changed, err := Entry(ctx, tx, shape, e, res)
	if err != nil {
		return err
	}
	if a.Relay && changed {
		if _, err := tx.AppendChange(ctx, Restamp(*e, a.RelayAt)); err != nil {
			return err
		}
		res.Relayed++
	}
	return nil
}

// Restamp returns e with its timestamp moved forward to at. Entries already
// later than at, and a zero at, leave e unchanged.
func Restamp(e ledger.Entry, at time.Time) ledger.Entry {
	if at.After(e.Timestamp) {
		e.Timestamp = at.UTC()
	}
	return e
}

// Entry applies one entry through tx and reports whether a row changed.
//
//	Create + absent  -> insert
//	Create + present -> update
//	Update + present -> update of the columns present in the payload
//	Update + absent  -> insert
//	Delete + present -> delete
//	Delete + absent  -> no-op
func Entry(ctx context.Context, tx store.Tx, shape *entity.Shape, e *ledger.Entry, res *Result) (bool, error) {
	_, err := tx.Find(ctx, shape, e.EntityID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if e.Operation == ledger.OpDelete {
		if !exists {
			res.Skipped++
			return false, nil
		}
		if err := tx.Delete(ctx, shape, e.EntityID); err != nil {
			return false, err
		}
		res.Deleted++
		return true, nil
	}

	snapshot, err := shape.Decode(e.Payload)
	if err != nil {
		return false, err
	}
	if snapshot.KeyString() != e.EntityID {
		return false, fmt.Errorf("payload key %s does not match entity id %s", snapshot.KeyString(), e.EntityID)
	}

	if !exists {
		if err := tx.Insert(ctx, shape, snapshot); err != nil {
			return false, err
		}
		res.Inserted++
		return true, nil
	}

	columns, err := shape.PresentColumns(e.Payload)
	if err != nil {
		return false, err
	}
	if err := tx.Update(ctx, shape, snapshot, columns); err != nil {
		return false, err
	}
	res.Updated++
	return true, nil
}
