package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates the store file appeared, e.g. the share was mounted.
	OpCreate EventOp = iota
	// OpModify indicates the store or its journal was written.
	OpModify
	// OpDelete indicates the store file went away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// RemoteEvent is a change to the remote store file or one of its sidecars
// (-journal, -wal, -shm).
type RemoteEvent struct {
	Path string
	Op   EventOp
}

// RemoteWatcher watches the directory holding the remote store.
// It uses fsnotify for cross-platform file system event monitoring.
type RemoteWatcher struct {
	watcher *fsnotify.Watcher
	events  chan RemoteEvent
	errors  chan error
	done    chan struct{}
	wg      gosync.WaitGroup
	mu      gosync.Mutex
	running bool
	dir     string
	name    string
}

// NewRemoteWatcher creates a watcher. It emits nothing until Start.
func NewRemoteWatcher() (*RemoteWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &RemoteWatcher{
		watcher: watcher,
		events:  make(chan RemoteEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches the directory of storePath. The directory must exist; the
// store file itself may not.
func (rw *RemoteWatcher) Start(storePath string) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(storePath)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", storePath, err)
	}
	rw.dir = filepath.Dir(abs)
	rw.name = filepath.Base(abs)

	if err := rw.watcher.Add(rw.dir); err != nil {
		return fmt.Errorf("failed to watch remote directory %s: %w", rw.dir, err)
	}

	rw.running = true
	rw.wg.Add(1)
	go rw.processEvents()

	return nil
}

// Stop stops watching and blocks until the event loop has exited. It also
// releases a watcher that was never started.
func (rw *RemoteWatcher) Stop() error {
	rw.mu.Lock()
	wasRunning := rw.running
	rw.running = false
	rw.mu.Unlock()

	if !wasRunning {
		return rw.watcher.Close()
	}

	close(rw.done)
	if err := rw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	rw.wg.Wait()

	close(rw.events)
	close(rw.errors)
	return nil
}

// Events returns the channel of remote store changes. It is closed by Stop.
func (rw *RemoteWatcher) Events() <-chan RemoteEvent {
	return rw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (rw *RemoteWatcher) Errors() <-chan error {
	return rw.errors
}

// IsRunning returns true if the watcher is currently running.
func (rw *RemoteWatcher) IsRunning() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.running
}

func (rw *RemoteWatcher) processEvents() {
	defer rw.wg.Done()

	for {
		select {
		case <-rw.done:
			return

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if re, ok := rw.convertEvent(event); ok {
				select {
				case rw.events <- re:
				case <-rw.done:
					return
				}
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case rw.errors <- err:
			case <-rw.done:
				return
			}
		}
	}
}

// convertEvent keeps events for the store file and its sidecars only.
func (rw *RemoteWatcher) convertEvent(event fsnotify.Event) (RemoteEvent, bool) {
	base := filepath.Base(event.Name)
	if base != rw.name && !strings.HasPrefix(base, rw.name+"-") {
		return RemoteEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		// Ignore chmod
		return RemoteEvent{}, false
	}

	return RemoteEvent{Path: event.Name, Op: op}, true
}
