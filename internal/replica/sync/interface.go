package sync

import (
	"context"

	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/settings"
)

// SettingsProvider supplies the store paths and persists the checkpoint.
//
// settings.File is the production implementation.
type SettingsProvider interface {
	// Load returns the current settings. Paths may be empty when the
	// host has not configured them yet; the coordinator treats that as
	// an unreachable remote, not a failure.
	Load() (settings.Settings, error)

	// Save persists settings. Called only after a batch pass commits on
	// both sides.
	Save(s settings.Settings) error
}

// Prompter asks a human how to resolve a push conflict.
//
// PromptConflict may block for as long as the human takes. The coordinator
// calls it on its own goroutine, holding no lock, so unrelated passes keep
// running. Returning Postpone (or an error) leaves the change pending.
type Prompter interface {
	PromptConflict(ctx context.Context, c ledger.ConflictRecord) (ledger.Decision, error)
}

// Observer receives run outcomes. Implementations must not block; the
// status dashboard queues messages to its own broadcast loop.
type Observer interface {
	RunFinished(r Report)
	ConflictPending(d PendingDecision)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) RunFinished(r Report) {
	for _, obs := range o {
		obs.RunFinished(r)
	}
}

func (o Observers) ConflictPending(d PendingDecision) {
	for _, obs := range o {
		obs.ConflictPending(d)
	}
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, c ledger.ConflictRecord) (ledger.Decision, error)

func (f PrompterFunc) PromptConflict(ctx context.Context, c ledger.ConflictRecord) (ledger.Decision, error) {
	return f(ctx, c)
}
