package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConflictRecord describes an entity whose local and remote state diverged.
type ConflictRecord struct {
	EntityName string `json:"entity_name"`
	EntityID   string `json:"entity_id"`

	LocalPayload  json.RawMessage `json:"local_payload,omitempty"`
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`

	LocalVersion  string `json:"local_version,omitempty"`
	RemoteVersion string `json:"remote_version,omitempty"`

	LocalTimestamp  time.Time `json:"local_timestamp"`
	RemoteTimestamp time.Time `json:"remote_timestamp"`

	// Timestamp is when the conflict was detected.
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the disputed entity key.
func (c *ConflictRecord) Key() Key {
	return Key{EntityName: c.EntityName, EntityID: c.EntityID}
}

// Decision is the human answer to a ConflictRecord.
type Decision int

const (
	// Postpone leaves the local ledger entry in place for a later pass.
	Postpone Decision = iota
	// KeepLocal overwrites the remote row with the local snapshot.
	KeepLocal
	// KeepRemote discards the local change.
	KeepRemote
)

func (d Decision) String() string {
	switch d {
	case KeepLocal:
		return "keep_local"
	case KeepRemote:
		return "keep_remote"
	case Postpone:
		return "postpone"
	default:
		return "unknown"
	}
}

// ParseDecision accepts the String form of a Decision.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "keep_local", "local":
		return KeepLocal, nil
	case "keep_remote", "remote":
		return KeepRemote, nil
	case "postpone", "later":
		return Postpone, nil
	default:
		return Postpone, fmt.Errorf("unknown decision %q", s)
	}
}

// Resolution values written to the conflict log.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
	ResolutionKeepLocal  = "keep_local"
	ResolutionKeepRemote = "keep_remote"
	ResolutionPostponed  = "postponed"
)

// Resolution maps an interactive decision to its conflict-log value.
func (d Decision) Resolution() string {
	switch d {
	case KeepLocal:
		return ResolutionKeepLocal
	case KeepRemote:
		return ResolutionKeepRemote
	default:
		return ResolutionPostponed
	}
}

// ConflictLog is a persisted, resolved conflict.
type ConflictLog struct {
	ID         int64          `json:"id"`
	Conflict   ConflictRecord `json:"conflict"`
	Resolution string         `json:"resolution"`
	ResolvedAt time.Time      `json:"resolved_at"`
}
