package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mechcat/partsync/internal/logging"
	replsync "github.com/mechcat/partsync/internal/replica/sync"
)

// SyncCompleteData summarises one run
type SyncCompleteData struct {
	RunID     string          `json:"run_id"`
	Policy    string          `json:"policy"`
	Status    replsync.Status `json:"status"`
	Duration  time.Duration   `json:"duration"`
	Applied   int             `json:"applied"`
	Pushed    int             `json:"pushed"`
	Discarded int             `json:"discarded"`
	Conflicts int             `json:"conflicts"`
	Error     string          `json:"error,omitempty"`
}

// ConflictPendingData describes a push conflict waiting for a decision
type ConflictPendingData struct {
	Token         string    `json:"token"`
	Key           string    `json:"key"`
	LocalVersion  string    `json:"local_version"`
	RemoteVersion string    `json:"remote_version"`
	DetectedAt    time.Time `json:"detected_at"`
}

// StatsData contains run statistics since the daemon started
type StatsData struct {
	Runs             int                     `json:"runs"`
	ByStatus         map[replsync.Status]int `json:"by_status"`
	PendingConflicts int                     `json:"pending_conflicts"`
	LastRunAt        time.Time               `json:"last_run_at"`
	Checkpoint       time.Time               `json:"checkpoint"`
}

// StatusData is the payload of /api/status
type StatusData struct {
	Stats      StatsData             `json:"stats"`
	LastReport *replsync.Report      `json:"last_report,omitempty"`
	Pending    []ConflictPendingData `json:"pending"`
}

// Handler turns coordinator notifications into dashboard messages. It
// implements sync.Observer.
type Handler struct {
	server  *Server
	logger  *slog.Logger
	pending func() []replsync.PendingDecision

	mu         sync.Mutex
	stats      StatsData
	lastReport *replsync.Report
}

var _ replsync.Observer = (*Handler)(nil)

// NewHandler creates a handler bound to server. pending lists the
// coordinator's open decisions; it may be nil.
func NewHandler(server *Server, logger *slog.Logger, pending func() []replsync.PendingDecision) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}

	h := &Handler{
		server:  server,
		logger:  logger.With("component", "dashboard"),
		pending: pending,
		stats: StatsData{
			ByStatus: make(map[replsync.Status]int),
		},
	}
	server.SetStatusSource(h)
	return h
}

// RunFinished handles a finished run.
func (h *Handler) RunFinished(r replsync.Report) {
	h.mu.Lock()
	h.stats.Runs++
	h.stats.ByStatus[r.Status]++
	h.stats.LastRunAt = r.FinishedAt
	if r.Checkpoint.After(h.stats.Checkpoint) {
		h.stats.Checkpoint = r.Checkpoint
	}
	report := r
	h.lastReport = &report
	h.mu.Unlock()

	h.send(MessageTypeSyncComplete, SyncCompleteData{
		RunID:     r.RunID,
		Policy:    r.Policy,
		Status:    r.Status,
		Duration:  r.Duration(),
		Applied:   r.AppliedRemote.Total() + r.AppliedLocal.Total(),
		Pushed:    r.Pushed,
		Discarded: len(r.Discarded),
		Conflicts: len(r.Conflicts),
		Error:     r.Error,
	})
	h.broadcastStats()
}

// ConflictPending handles a new push conflict.
func (h *Handler) ConflictPending(d replsync.PendingDecision) {
	h.send(MessageTypeConflictPending, conflictData(d))
	h.broadcastStats()
}

// Status returns the current dashboard state.
func (h *Handler) Status() StatusData {
	pending := h.pendingConflicts()

	h.mu.Lock()
	defer h.mu.Unlock()

	stats := h.stats
	stats.ByStatus = make(map[replsync.Status]int, len(h.stats.ByStatus))
	for k, v := range h.stats.ByStatus {
		stats.ByStatus[k] = v
	}
	stats.PendingConflicts = len(pending)

	var last *replsync.Report
	if h.lastReport != nil {
		r := *h.lastReport
		last = &r
	}
	return StatusData{Stats: stats, LastReport: last, Pending: pending}
}

func (h *Handler) pendingConflicts() []ConflictPendingData {
	out := []ConflictPendingData{}
	if h.pending == nil {
		return out
	}
	for _, d := range h.pending() {
		out = append(out, conflictData(d))
	}
	return out
}

func conflictData(d replsync.PendingDecision) ConflictPendingData {
	return ConflictPendingData{
		Token:         d.Token,
		Key:           d.Entry.Key().String(),
		LocalVersion:  d.Conflict.LocalVersion,
		RemoteVersion: d.Conflict.RemoteVersion,
		DetectedAt:    d.Conflict.Timestamp,
	}
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.send(MessageTypeStats, h.Status().Stats)
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal dashboard data", "type", string(typ), logging.Err(err))
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	})
}
