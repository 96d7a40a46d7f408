// Package daemon runs sync passes on a timer and early when the remote
// store changes.
//
// The trigger:
//  1. Runs one pass at start
//  2. Runs a pass every Interval
//  3. Watches the remote store's directory and runs a debounced pass when
//     the store is written or the share is mounted. Events seen during a
//     pass, or within Debounce after it, are the pass's own writes and are
//     dropped.
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/mechcat/partsync/internal/logging"
)

// Runner performs one sync pass. *sync.Coordinator implements it; a pass
// that finds another one running returns at once.
type Runner interface {
	RunSync(ctx context.Context)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context)

func (f RunnerFunc) RunSync(ctx context.Context) { f(ctx) }

// Config holds configuration for the trigger.
type Config struct {
	// Interval between timer-driven passes.
	Interval time.Duration

	// Debounce is how long the remote must stay quiet after a change
	// before the early pass runs. Bursts of writes collapse into one pass.
	Debounce time.Duration

	// WatchRemote enables the fsnotify watcher on the remote directory.
	WatchRemote bool

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Debounce:    2 * time.Second,
		WatchRemote: true,
	}
}

// Trigger schedules sync passes. Passes run one at a time on the trigger's
// own goroutine.
type Trigger struct {
	runner     Runner
	remotePath string
	config     Config
	logger     *slog.Logger

	watcher *RemoteWatcher
	nudges  chan struct{}

	mu         gosync.Mutex
	running    bool
	passes     int
	inPass     bool
	passEnded  time.Time
	suppressed int
	cancel     context.CancelFunc
	wg         gosync.WaitGroup
}

// New creates a trigger for runner. remotePath is only used for watching
// and may be empty when WatchRemote is false.
func New(runner Runner, remotePath string, config Config) (*Trigger, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", config.Interval)
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if config.WatchRemote && remotePath == "" {
		return nil, fmt.Errorf("remote path is required to watch the remote store")
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}

	return &Trigger{
		runner:     runner,
		remotePath: remotePath,
		config:     config,
		logger:     config.Logger.With("component", "daemon"),
		nudges:     make(chan struct{}, 1),
	}, nil
}

// Start runs an initial pass, starts the background loops and blocks until
// ctx is cancelled, then stops the trigger.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("trigger already running")
	}
	t.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.logger.Info("starting daemon", "interval", t.config.Interval, "watch_remote", t.config.WatchRemote)

	if t.config.WatchRemote {
		t.startWatcher(loopCtx)
	}

	t.wg.Add(1)
	go t.loop(loopCtx)

	<-loopCtx.Done()
	t.logger.Info("shutdown signal received")
	return t.Stop()
}

// startWatcher attaches the remote watcher. An unmounted share is not an
// error; the timer keeps retrying.
func (t *Trigger) startWatcher(ctx context.Context) {
	watcher, err := NewRemoteWatcher()
	if err != nil {
		t.logger.Warn("remote watcher unavailable; timer only", logging.Err(err))
		return
	}
	if err := watcher.Start(t.remotePath); err != nil {
		_ = watcher.Stop()
		t.logger.Warn("remote watcher unavailable; timer only", "path", t.remotePath, logging.Err(err))
		return
	}
	t.watcher = watcher
	t.logger.Info("watching remote store", "path", t.remotePath)

	t.wg.Add(1)
	go t.forwardEvents(ctx, watcher)
}

// Stop cancels the loops and waits for an in-flight pass to finish.
func (t *Trigger) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	t.logger.Info("stopping daemon")
	cancel()

	var err error
	if t.watcher != nil {
		err = t.watcher.Stop()
	}
	t.wg.Wait()

	t.logger.Info("daemon stopped", "passes", t.Passes())
	return err
}

// Nudge requests an early pass after the debounce interval. It never blocks;
// nudges that arrive while one is queued are coalesced.
func (t *Trigger) Nudge() {
	select {
	case t.nudges <- struct{}{}:
	default:
	}
}

// Passes returns how many passes the trigger has started.
func (t *Trigger) Passes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.passes
}

// loop owns every pass so they never overlap.
func (t *Trigger) loop(ctx context.Context) {
	defer t.wg.Done()

	t.runPass(ctx, "startup")

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	debounce := time.NewTimer(t.config.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			t.runPass(ctx, "interval")

		case <-t.nudges:
			debounce.Reset(t.config.Debounce)

		case <-debounce.C:
			t.runPass(ctx, "remote_changed")
		}
	}
}

func (t *Trigger) runPass(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}

	t.mu.Lock()
	t.passes++
	t.inPass = true
	t.mu.Unlock()

	t.logger.Debug("sync pass triggered", "reason", reason)
	t.runner.RunSync(ctx)

	t.mu.Lock()
	t.inPass = false
	t.passEnded = time.Now()
	t.mu.Unlock()
}

// ownWrite reports whether a remote event arriving at now belongs to the
// trigger's own pass, and counts it if so.
func (t *Trigger) ownWrite(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inPass || (!t.passEnded.IsZero() && now.Sub(t.passEnded) < t.config.Debounce) {
		t.suppressed++
		return true
	}
	return false
}

// Suppressed returns how many remote events were dropped as the trigger's
// own writes.
func (t *Trigger) Suppressed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}

// forwardEvents turns remote file events into nudges.
func (t *Trigger) forwardEvents(ctx context.Context, watcher *RemoteWatcher) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events():
			if !ok {
				return
			}
			if t.ownWrite(time.Now()) {
				continue
			}
			t.logger.Debug("remote store changed", "op", event.Op.String(), "path", event.Path)
			t.Nudge()

		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}
			t.logger.Warn("remote watcher error", logging.Err(err))
		}
	}
}
