package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/mechcat/partsync/internal/logging"
	"github.com/mechcat/partsync/internal/replica/apply"
	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/replica/store"
)

// push propagates pending local entries to the remote store, oldest first.
//
// Each entry commits in its own remote transaction together with a copy in
// the remote ledger, and is then deleted locally. Entries that fail stay
// pending and make the pass fail once every other entry was tried. An update whose base
// version no longer matches the remote row becomes a PendingDecision; its
// key, including any later entries for it, is skipped until resolved.
func (c *Coordinator) push(ctx context.Context, local, remote store.Store, report *Report) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	entries, err := local.PendingChanges(ctx)
	if err != nil {
		return stageErr(StagePush, err)
	}
	report.LocalChanges = len(entries)
	if len(entries) == 0 {
		report.Status = StatusNothingToDo
		return nil
	}

	blocked := c.blockedKeys()
	for i := range entries {
		e := &entries[i]
		key := e.Key()
		if blocked[key] {
			report.Deferred++
			continue
		}

		conflict, err := c.pushEntry(ctx, local, remote, e)
		switch {
		case err != nil:
			c.logger.Warn("push failed; entry left for retry",
				"run_id", report.RunID, "key", key.String(), "entry_id", e.ID, logging.Err(err))
			report.Failed++
			blocked[key] = true
		case conflict != nil:
			report.Conflicts = append(report.Conflicts, c.registerDecision(ctx, *conflict, *e))
			blocked[key] = true
		default:
			report.Pushed++
		}
	}

	if report.Failed > 0 {
		return stageErr(StagePush, fmt.Errorf("%d of %d pending entries failed", report.Failed, report.LocalChanges))
	}
	return nil
}

// pushEntry applies one local entry to the remote store. It returns a
// conflict record instead of writing when the remote row diverged.
func (c *Coordinator) pushEntry(ctx context.Context, local, remote store.Store, e *ledger.Entry) (*ledger.ConflictRecord, error) {
	shape, ok := c.registry.Lookup(e.EntityName)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", e.EntityName)
	}

	tx, err := remote.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := tx.Find(ctx, shape, e.EntityID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var snapshot entity.Entity
	if e.Operation != ledger.OpDelete {
		if snapshot, err = shape.Decode(e.Payload); err != nil {
			return nil, err
		}
	}

	write := true
	switch e.Operation {
	case ledger.OpDelete:
		write = exists
	case ledger.OpCreate, ledger.OpUpdate:
		if !exists {
			break
		}
		switch current.VersionToken() {
		case snapshot.VersionToken():
			// Already applied by an earlier pass that failed to consume.
			write = false
		case e.BaseVersion:
			if e.Operation == ledger.OpCreate {
				return c.conflictFor(shape, e, snapshot, current)
			}
		default:
			return c.conflictFor(shape, e, snapshot, current)
		}
	}

	if write {
		var res apply.Result
		if _, err := apply.Entry(ctx, tx, shape, e, &res); err != nil {
			return nil, err
		}
		if _, err := tx.AppendChange(ctx, apply.Restamp(*e, c.now())); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}

	if err := local.DeleteChange(ctx, e.ID); err != nil {
		return nil, fmt.Errorf("pushed but failed to consume ledger entry: %w", err)
	}
	return nil, nil
}

// conflictFor describes a divergence between a local snapshot and the
// current remote row.
func (c *Coordinator) conflictFor(shape *entity.Shape, e *ledger.Entry, snapshot, current entity.Entity) (*ledger.ConflictRecord, error) {
	remotePayload, err := shape.Encode(current)
	if err != nil {
		return nil, err
	}
	return &ledger.ConflictRecord{
		EntityName:      e.EntityName,
		EntityID:        e.EntityID,
		LocalPayload:    e.Payload,
		RemotePayload:   remotePayload,
		LocalVersion:    snapshot.VersionToken(),
		RemoteVersion:   current.VersionToken(),
		LocalTimestamp:  e.Timestamp,
		RemoteTimestamp: current.Modified(),
		Timestamp:       c.now(),
	}, nil
}

// registerDecision records a pending decision, notifies the observer and
// starts the prompter, if any.
func (c *Coordinator) registerDecision(ctx context.Context, conflict ledger.ConflictRecord, e ledger.Entry) PendingDecision {
	pd := PendingDecision{
		Token:     uuid.NewString(),
		Conflict:  conflict,
		Entry:     e,
		CreatedAt: c.now(),
	}

	c.mu.Lock()
	stored := pd
	c.pending[pd.Token] = &stored
	c.pendingKeys[e.Key()] = pd.Token
	c.mu.Unlock()

	c.logger.Warn("push conflict: waiting for a decision",
		"key", e.Key().String(),
		"token", pd.Token,
		"local_version", conflict.LocalVersion,
		"remote_version", conflict.RemoteVersion)

	if c.cfg.Observer != nil {
		c.cfg.Observer.ConflictPending(pd)
	}
	if c.cfg.Prompter != nil {
		c.prompt(ctx, pd)
	}
	return pd
}

// prompt asks the prompter on its own goroutine and feeds the answer to
// Resolve. The goroutine holds no lock while the human decides.
func (c *Coordinator) prompt(ctx context.Context, pd PendingDecision) {
	c.prompts.Add(1)
	go func() {
		defer c.prompts.Done()

		decision, err := c.cfg.Prompter.PromptConflict(ctx, pd.Conflict)
		if err != nil {
			c.logger.Warn("conflict prompt failed; postponing", "token", pd.Token, logging.Err(err))
			decision = ledger.Postpone
		}
		if err := c.Resolve(ctx, pd.Token, decision); err != nil {
			c.logger.Error("failed to resolve conflict", "token", pd.Token, "decision", decision.String(), logging.Err(err))
		}
	}()
}

// WaitPrompts blocks until every started prompt has been answered.
func (c *Coordinator) WaitPrompts() {
	c.prompts.Wait()
}

// Decisions returns the pending decisions, oldest first.
func (c *Coordinator) Decisions() []PendingDecision {
	c.mu.Lock()
	out := make([]PendingDecision, 0, len(c.pending))
	for _, pd := range c.pending {
		out = append(out, *pd)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Resolve applies a human decision to a pending conflict.
//
//   - KeepLocal overwrites the remote row with the local snapshot and
//     consumes the local entry.
//   - KeepRemote consumes the local entry and refreshes the local row from
//     the remote without recording a ledger entry.
//   - Postpone drops the token; the entry is examined again next pass.
//
// A failed KeepLocal or KeepRemote leaves the decision pending.
func (c *Coordinator) Resolve(ctx context.Context, token string, decision ledger.Decision) error {
	c.mu.Lock()
	pd, ok := c.pending[token]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDecision, token)
	}

	log := c.logger.With("key", pd.Entry.Key().String(), "token", token, "decision", decision.String())

	if decision == ledger.Postpone {
		c.dropDecision(pd)
		c.audit(ctx, pd.Conflict, decision)
		log.Info("conflict postponed; change stays pending")
		return nil
	}
	if c.Halted() {
		return ErrHalted
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	s, err := c.cfg.Settings.Load()
	if err != nil {
		return stageErr(StageSettings, err)
	}
	local, remote, err := c.openStores(s)
	if err != nil {
		return err
	}
	defer closeStore(c.logger, local)
	defer closeStore(c.logger, remote)

	switch decision {
	case ledger.KeepLocal:
		err = c.keepLocal(ctx, local, remote, pd.Entry)
	case ledger.KeepRemote:
		err = c.keepRemote(ctx, local, remote, pd.Entry)
	default:
		err = fmt.Errorf("unsupported decision %d", int(decision))
	}
	if err != nil {
		return stageErr(StageResolve, err)
	}

	c.dropDecision(pd)
	if err := local.RecordConflict(ctx, pd.Conflict, decision.Resolution()); err != nil {
		log.Error("failed to audit resolved conflict", logging.Err(err))
	}
	log.Info("conflict resolved")
	return nil
}

// keepLocal overwrites the remote row with the snapshot.
func (c *Coordinator) keepLocal(ctx context.Context, local, remote store.Store, e ledger.Entry) error {
	shape, ok := c.registry.Lookup(e.EntityName)
	if !ok {
		return fmt.Errorf("unknown entity %q", e.EntityName)
	}

	tx, err := remote.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var res apply.Result
	if _, err := apply.Entry(ctx, tx, shape, &e, &res); err != nil {
		return err
	}
	if _, err := tx.AppendChange(ctx, apply.Restamp(e, c.now())); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	return local.DeleteChange(ctx, e.ID)
}

// keepRemote drops the local change and copies the remote row locally.
func (c *Coordinator) keepRemote(ctx context.Context, local, remote store.Store, e ledger.Entry) error {
	shape, ok := c.registry.Lookup(e.EntityName)
	if !ok {
		return fmt.Errorf("unknown entity %q", e.EntityName)
	}

	current, err := remote.Find(ctx, shape, e.EntityID)
	remoteExists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	tx, err := local.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Find(ctx, shape, e.EntityID)
	localExists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	switch {
	case remoteExists && localExists:
		err = tx.Update(ctx, shape, current, shape.ColumnNames()[1:])
	case remoteExists:
		err = tx.Insert(ctx, shape, current)
	case localExists:
		err = tx.Delete(ctx, shape, e.EntityID)
	}
	if err != nil {
		return err
	}

	if err := tx.DeleteChange(ctx, e.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// audit records a decision in the local conflict log, best effort.
func (c *Coordinator) audit(ctx context.Context, conflict ledger.ConflictRecord, decision ledger.Decision) {
	s, err := c.cfg.Settings.Load()
	if err != nil {
		c.logger.Warn("failed to audit conflict decision", logging.Err(err))
		return
	}
	local, err := c.openLocal(s)
	if err != nil {
		c.logger.Warn("failed to audit conflict decision", logging.Err(err))
		return
	}
	defer closeStore(c.logger, local)

	if err := local.RecordConflict(ctx, conflict, decision.Resolution()); err != nil {
		c.logger.Warn("failed to audit conflict decision", logging.Err(err))
	}
}

func (c *Coordinator) dropDecision(pd *PendingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, pd.Token)
	if c.pendingKeys[pd.Entry.Key()] == pd.Token {
		delete(c.pendingKeys, pd.Entry.Key())
	}
}

func (c *Coordinator) blockedKeys() map[ledger.Key]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	blocked := make(map[ledger.Key]bool, len(c.pendingKeys))
	for k := range c.pendingKeys {
		blocked[k] = true
	}
	return blocked
}
