// Package resolve decides which changes survive when the local and remote
// ledgers disagree.
//
// Two policies exist, selected per deployment:
//
//   - LastWriterWins: batch reconciliation of two change windows. For every
//     key changed on both sides, the side whose latest entry is strictly
//     later wins; equal timestamps go to the remote side.
//   - OptimisticInteractive: continuous one-directional push. Each local
//     change is checked against the remote row's version token and a
//     divergence is escalated to a human decision.
package resolve

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mechcat/partsync/internal/replica/ledger"
)

// Policy selects the conflict-resolution strategy.
type Policy int

const (
	LastWriterWins Policy = iota
	OptimisticInteractive
)

func (p Policy) String() string {
	switch p {
	case LastWriterWins:
		return "last_writer_wins"
	case OptimisticInteractive:
		return "optimistic_interactive"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the String form plus the short aliases used in
// configuration files.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "last_writer_wins", "lww", "batch", "":
		return LastWriterWins, nil
	case "optimistic_interactive", "interactive", "push":
		return OptimisticInteractive, nil
	default:
		return LastWriterWins, fmt.Errorf("unknown conflict policy %q (want last_writer_wins or optimistic_interactive)", s)
	}
}

// Side names one participant of a sync run.
type Side int

const (
	Local Side = iota
	Remote
)

func (s Side) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}

// Discard is one key whose losing side's changes were dropped.
type Discard struct {
	Key   ledger.Key
	Loser Side

	// Entries are the losing side's entries for Key.
	Entries []ledger.Entry
	// Winner is the latest entry of the winning side.
	Winner ledger.Entry
}

// Conflict renders the discard as an audit record detected at now.
func (d Discard) Conflict(now time.Time) ledger.ConflictRecord {
	loser := ledger.Latest(d.Entries)

	local, remote := loser, d.Winner
	if d.Loser == Remote {
		local, remote = d.Winner, loser
	}

	return ledger.ConflictRecord{
		EntityName:      d.Key.EntityName,
		EntityID:        d.Key.EntityID,
		LocalPayload:    local.Payload,
		RemotePayload:   remote.Payload,
		LocalVersion:    payloadVersion(local.Payload),
		RemoteVersion:   payloadVersion(remote.Payload),
		LocalTimestamp:  local.Timestamp,
		RemoteTimestamp: remote.Timestamp,
		Timestamp:       now.UTC(),
	}
}

// Resolution is the conflict-log value for the discard.
func (d Discard) Resolution() string {
	if d.Loser == Local {
		return ledger.ResolutionRemoteWins
	}
	return ledger.ResolutionLocalWins
}

// Plan is the outcome of batch reconciliation.
type Plan struct {
	// ToRemote are local entries to apply to the remote store.
	ToRemote []ledger.Entry
	// ToLocal are remote entries to apply to the local store.
	ToLocal []ledger.Entry
	// Discarded lists every key where one side lost.
	Discarded []Discard
}

// Empty reports whether there is nothing to apply.
func (p *Plan) Empty() bool {
	return len(p.ToRemote) == 0 && len(p.ToLocal) == 0
}

// Reconcile applies last-writer-wins to two change windows.
//
// Keys changed on one side only flow to the other side unchanged. For keys
// changed on both sides only the latest entry per side is compared; the
// strictly later side wins and ties go to the remote. The loser's entries
// are dropped and reported in Discarded. Output lists are sorted ascending
// by (timestamp, id).
func Reconcile(local, remote []ledger.Entry) Plan {
	localByKey := ledger.GroupByKey(local)
	remoteByKey := ledger.GroupByKey(remote)

	var plan Plan
	for key, mine := range localByKey {
		theirs, conflict := remoteByKey[key]
		if !conflict {
			plan.ToRemote = append(plan.ToRemote, mine...)
			continue
		}

		localLatest := ledger.Latest(mine)
		remoteLatest := ledger.Latest(theirs)
		if localLatest.Timestamp.After(remoteLatest.Timestamp) {
			plan.ToRemote = append(plan.ToRemote, mine...)
			plan.Discarded = append(plan.Discarded, Discard{Key: key, Loser: Remote, Entries: theirs, Winner: localLatest})
		} else {
			plan.ToLocal = append(plan.ToLocal, theirs...)
			plan.Discarded = append(plan.Discarded, Discard{Key: key, Loser: Local, Entries: mine, Winner: remoteLatest})
		}
	}
	for key, theirs := range remoteByKey {
		if _, conflict := localByKey[key]; !conflict {
			plan.ToLocal = append(plan.ToLocal, theirs...)
		}
	}

	ledger.Sort(plan.ToRemote)
	ledger.Sort(plan.ToLocal)
	sort.Slice(plan.Discarded, func(i, j int) bool {
		return plan.Discarded[i].Key.String() < plan.Discarded[j].Key.String()
	})
	return plan
}

// payloadVersion extracts the version token from a snapshot, if any.
func payloadVersion(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return ""
	}
	return v.Version
}
