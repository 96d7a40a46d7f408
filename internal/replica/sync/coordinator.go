package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	gosync "sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/mechcat/partsync/internal/logging"
	"github.com/mechcat/partsync/internal/replica/apply"
	"github.com/mechcat/partsync/internal/replica/db"
	"github.com/mechcat/partsync/internal/replica/entity"
	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/replica/resolve"
	"github.com/mechcat/partsync/internal/replica/store"
	"github.com/mechcat/partsync/internal/settings"
)

// Config holds coordinator configuration.
type Config struct {
	// Policy selects batch reconciliation or continuous push.
	Policy resolve.Policy

	// Settings supplies store paths and persists the checkpoint. Required.
	Settings SettingsProvider

	// Open opens a store. Defaults to db.OpenStore.
	Open store.Opener

	// Driver is passed to Open. Empty selects the default SQLite driver.
	Driver string

	Registry *entity.Registry
	Logger   *slog.Logger

	// Observer receives every run report and pending conflict. Optional.
	Observer Observer

	// Prompter answers push conflicts. Optional; without it conflicts stay
	// pending until Resolve is called.
	Prompter Prompter

	// LockFile enables a cross-process run lock at this path.
	LockFile string

	Now func() time.Time
}

// DefaultConfig returns a batch-policy configuration without settings.
func DefaultConfig() Config {
	return Config{
		Policy: resolve.LastWriterWins,
		Open:   db.OpenStore,
		Now:    time.Now,
	}
}

// Coordinator runs sync passes between the local and remote stores.
//
// At most one pass runs at a time per coordinator; a pass that finds the
// run lock held returns ErrSyncInProgress immediately instead of waiting.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	registry *entity.Registry
	fileLock *flock.Flock

	// mu guards the run flag, the halt flag, the cached checkpoint and the
	// pending decisions.
	mu          gosync.Mutex
	running     bool
	halted      bool
	checkpoint  time.Time
	pending     map[string]*PendingDecision
	pendingKeys map[ledger.Key]string

	// applyMu serialises push passes with Resolve.
	applyMu gosync.Mutex
	prompts gosync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings provider is required")
	}
	if cfg.Open == nil {
		cfg.Open = db.OpenStore
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = entity.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	c := &Coordinator{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "sync"),
		registry:    cfg.Registry,
		pending:     make(map[string]*PendingDecision),
		pendingKeys: make(map[ledger.Key]string),
	}
	if cfg.LockFile != "" {
		c.fileLock = flock.New(cfg.LockFile)
	}
	return c, nil
}

// Policy returns the configured conflict policy.
func (c *Coordinator) Policy() resolve.Policy {
	return c.cfg.Policy
}

// RunSync performs one pass and reports only through the log and the
// observer. It never panics.
func (c *Coordinator) RunSync(ctx context.Context) {
	_, _ = c.Run(ctx)
}

// Run performs one pass with the configured policy.
//
// Steps, each a precondition for the next: acquire the run lock, refuse
// while halted, validate paths, open both stores, verify both schemas,
// then reconcile or push. The returned report is never nil.
func (c *Coordinator) Run(ctx context.Context) (report *Report, err error) {
	report = &Report{
		RunID:     uuid.NewString(),
		Policy:    c.cfg.Policy.String(),
		StartedAt: c.now(),
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync run panicked: %v", r)
			c.logger.Error("sync run panicked", "run_id", report.RunID, "panic", r, "stack", string(debug.Stack()))
		}
		c.finish(ctx, report, err)
	}()

	if !c.tryAcquire() {
		return report, ErrSyncInProgress
	}
	defer c.release()

	if c.fileLock != nil {
		locked, err := c.fileLock.TryLock()
		if err != nil {
			return report, fmt.Errorf("failed to acquire process lock: %w", err)
		}
		if !locked {
			return report, ErrSyncInProgress
		}
		defer func() { _ = c.fileLock.Unlock() }()
	}

	if c.Halted() {
		return report, ErrHalted
	}

	s, err := c.cfg.Settings.Load()
	if err != nil {
		return report, stageErr(StageSettings, err)
	}

	local, remote, err := c.openStores(s)
	if err != nil {
		return report, err
	}
	defer closeStore(c.logger, local)
	defer closeStore(c.logger, remote)

	if err := c.checkSchema(ctx, local, remote); err != nil {
		return report, err
	}

	switch c.cfg.Policy {
	case resolve.OptimisticInteractive:
		err = c.push(ctx, local, remote, report)
	default:
		err = c.reconcile(ctx, local, remote, s, report)
	}
	return report, err
}

// reconcile is the batch last-writer-wins pass.
func (c *Coordinator) reconcile(ctx context.Context, local, remote store.Store, s settings.Settings, report *Report) error {
	after := s.LastSyncTimestamp
	windowEnd := c.now()
	report.WindowStart = after
	report.WindowEnd = windowEnd

	localChanges, err := local.ChangesSince(ctx, after, windowEnd)
	if err != nil {
		return stageErr(StageRetrieve, err)
	}
	remoteChanges, err := remote.ChangesSince(ctx, after, windowEnd)
	if err != nil {
		return stageErr(StageRetrieve, err)
	}
	report.LocalChanges = len(localChanges)
	report.RemoteChanges = len(remoteChanges)

	if len(localChanges) == 0 && len(remoteChanges) == 0 {
		report.Status = StatusNothingToDo
		return c.advance(s, windowEnd, report)
	}

	plan := resolve.Reconcile(localChanges, remoteChanges)
	for _, d := range plan.Discarded {
		c.logger.Warn("discarding losing change",
			"run_id", report.RunID,
			"key", d.Key.String(),
			"loser", d.Loser.String(),
			"entries", len(d.Entries),
			"winner_timestamp", d.Winner.Timestamp)
	}

	// Remote first: the shared store is authoritative, so a failed remote
	// batch must not leave the local side ahead of it.
	relay := apply.New(c.registry, c.logger)
	relay.Relay = true
	relay.RelayAt = windowEnd
	report.AppliedRemote, err = relay.Apply(ctx, remote, plan.ToRemote)
	if err != nil {
		return stageErr(StageApplyRemote, err)
	}

	report.AppliedLocal, err = apply.New(c.registry, c.logger).Apply(ctx, local, plan.ToLocal)
	if err != nil {
		return stageErr(StageApplyLocal, err)
	}

	now := c.now()
	for _, d := range plan.Discarded {
		report.Discarded = append(report.Discarded, DiscardEntry{
			Key:     d.Key.String(),
			Loser:   d.Loser.String(),
			Entries: len(d.Entries),
		})
		if err := local.RecordConflict(ctx, d.Conflict(now), d.Resolution()); err != nil {
			c.logger.Error("failed to audit discarded change", "key", d.Key.String(), logging.Err(err))
		}
	}

	return c.advance(s, windowEnd, report)
}

// advance persists the checkpoint. It never moves backwards.
func (c *Coordinator) advance(s settings.Settings, windowEnd time.Time, report *Report) error {
	next := s.LastSyncTimestamp
	if windowEnd.After(next) {
		next = windowEnd
	}
	s.LastSyncTimestamp = next

	if err := c.cfg.Settings.Save(s); err != nil {
		return stageErr(StageCheckpoint, err)
	}

	c.mu.Lock()
	c.checkpoint = next
	c.mu.Unlock()

	report.Checkpoint = next
	return nil
}

// checkSchema migrates the local store and refuses a remote that is behind.
func (c *Coordinator) checkSchema(ctx context.Context, local, remote store.Store) error {
	pending, err := local.PendingMigrations(ctx)
	if err != nil {
		return stageErr(StageSchema, err)
	}
	if len(pending) > 0 {
		c.logger.Info("migrating local store", "path", local.Path(), "pending", pending)
		if err := local.ApplyMigrations(ctx); err != nil {
			return stageErr(StageSchema, err)
		}
	}

	pending, err = remote.PendingMigrations(ctx)
	if err != nil {
		return stageErr(StageSchema, err)
	}
	if len(pending) > 0 {
		c.mu.Lock()
		c.halted = true
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is missing migrations %v", ErrRemoteSchemaBehind, remote.Path(), pending)
	}
	return nil
}

// openStores validates the configured paths and opens both stores.
func (c *Coordinator) openStores(s settings.Settings) (store.Store, store.Store, error) {
	local, err := c.openLocal(s)
	if err != nil {
		return nil, nil, err
	}
	remote, err := c.openRemote(s)
	if err != nil {
		closeStore(c.logger, local)
		return nil, nil, err
	}
	return local, remote, nil
}

func (c *Coordinator) openLocal(s settings.Settings) (store.Store, error) {
	if s.LocalPath == "" {
		return nil, fmt.Errorf("%w: local store path is not configured", ErrRemoteUnavailable)
	}
	local, err := c.cfg.Open(s.LocalPath, store.Options{
		Role:   store.RoleLocal,
		Driver: c.cfg.Driver,
		Now:    c.cfg.Now,
	})
	if err != nil {
		return nil, stageErr(StageOpen, err)
	}
	return local, nil
}

func (c *Coordinator) openRemote(s settings.Settings) (store.Store, error) {
	if s.RemotePath == "" {
		return nil, fmt.Errorf("%w: remote store path is not configured", ErrRemoteUnavailable)
	}
	if _, err := os.Stat(s.RemotePath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	remote, err := c.cfg.Open(s.RemotePath, store.Options{
		Role:      store.RoleRemote,
		MustExist: true,
		Driver:    c.cfg.Driver,
		Now:       c.cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	return remote, nil
}

// finish stamps the report, logs the outcome at its severity and notifies
// the observer.
func (c *Coordinator) finish(ctx context.Context, report *Report, err error) {
	report.FinishedAt = c.now()
	if err != nil {
		report.Error = err.Error()
	}

	log := c.logger.With("run_id", report.RunID, "policy", report.Policy)
	switch {
	case err == nil:
		if report.Status == "" {
			report.Status = StatusCompleted
		}
		log.Info("sync finished",
			"status", report.Status,
			"duration", report.Duration(),
			"local_changes", report.LocalChanges,
			"remote_changes", report.RemoteChanges,
			"applied_remote", report.AppliedRemote.Total(),
			"applied_local", report.AppliedLocal.Total(),
			"discarded", len(report.Discarded),
			"pushed", report.Pushed,
			"conflicts", len(report.Conflicts))
	case errors.Is(err, ErrSyncInProgress):
		report.Status = StatusSkipped
		log.Info("sync skipped: another pass holds the run lock")
	case errors.Is(err, ErrRemoteUnavailable):
		report.Status = StatusUnavailable
		log.Warn("sync skipped: remote store unavailable", logging.Err(err))
	case Classify(err) == HardFatal:
		report.Status = StatusHalted
		logging.Critical(ctx, log, "sync halted: migrate the remote store before syncing again", logging.Err(err))
	default:
		report.Status = StatusFailed
		var runErr *RunError
		stage := ""
		if errors.As(err, &runErr) {
			stage = string(runErr.Stage)
		}
		log.Error("sync failed; checkpoint unchanged", "stage", stage, logging.Err(err))
	}

	if c.cfg.Observer != nil {
		c.cfg.Observer.RunFinished(*report)
	}
}

func (c *Coordinator) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Running reports whether a pass currently holds the run lock.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Halted reports whether a remote schema mismatch stopped syncing.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// ClearHalt re-enables syncing after the remote store has been migrated.
func (c *Coordinator) ClearHalt() {
	c.mu.Lock()
	c.halted = false
	c.mu.Unlock()
	c.logger.Info("sync halt cleared")
}

// Checkpoint returns the checkpoint written by the last successful batch
// pass of this coordinator, or zero.
func (c *Coordinator) Checkpoint() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint
}

func (c *Coordinator) now() time.Time {
	return c.cfg.Now().UTC()
}

func closeStore(logger *slog.Logger, s store.Store) {
	if err := s.Close(); err != nil {
		logger.Warn("failed to close store", "path", s.Path(), logging.Err(err))
	}
}
