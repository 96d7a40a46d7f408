package sync

import (
	"time"

	"github.com/mechcat/partsync/internal/replica/apply"
	"github.com/mechcat/partsync/internal/replica/ledger"
)

// Status is the outcome of one run.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusNothingToDo Status = "nothing_to_do"
	StatusSkipped     Status = "skipped"
	StatusUnavailable Status = "unavailable"
	StatusFailed      Status = "failed"
	StatusHalted      Status = "halted"
)

// Report summarises one run for the CLI, the log and the dashboard.
type Report struct {
	RunID      string    `json:"run_id"`
	Policy     string    `json:"policy"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Batch policy.
	WindowStart   time.Time      `json:"window_start"`
	WindowEnd     time.Time      `json:"window_end"`
	Checkpoint    time.Time      `json:"checkpoint"`
	LocalChanges  int            `json:"local_changes"`
	RemoteChanges int            `json:"remote_changes"`
	AppliedRemote apply.Result   `json:"applied_remote"`
	AppliedLocal  apply.Result   `json:"applied_local"`
	Discarded     []DiscardEntry `json:"discarded,omitempty"`

	// Push policy.
	Pushed    int               `json:"pushed"`
	Deferred  int               `json:"deferred"`
	Failed    int               `json:"failed"`
	Conflicts []PendingDecision `json:"conflicts,omitempty"`

	Error string `json:"error,omitempty"`
}

// DiscardEntry is one key where last-writer-wins dropped a side.
type DiscardEntry struct {
	Key     string `json:"key"`
	Loser   string `json:"loser"`
	Entries int    `json:"entries"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// PendingDecision is a push conflict waiting for a human. The entry stays
// in the local ledger and its key is skipped by later passes until Resolve
// is called with Token.
type PendingDecision struct {
	Token     string                `json:"token"`
	Conflict  ledger.ConflictRecord `json:"conflict"`
	Entry     ledger.Entry          `json:"entry"`
	CreatedAt time.Time             `json:"created_at"`
}
