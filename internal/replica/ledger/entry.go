// Package ledger defines the change ledger shared by the local and remote stores.
//
// Every tracked create, update and delete against a catalog entity appends one
// Entry. Entries are never mutated; the sync coordinator only reads them and,
// on the push path, deletes the ones it has propagated.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Operation is the kind of change captured by an Entry.
type Operation string

const (
	OpCreate Operation = "Create"
	OpUpdate Operation = "Update"
	OpDelete Operation = "Delete"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// ParseOperation converts the stored text form back to an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// Key identifies one entity across both stores.
type Key struct {
	EntityName string
	EntityID   string
}

// String renders the key as Name/ID, e.g. Assembly/42.
func (k Key) String() string {
	return k.EntityName + "/" + k.EntityID
}

// Entry is one row of the change ledger.
type Entry struct {
	// ID is assigned by the store and is unique only within that store.
	ID int64 `json:"id"`

	EntityName string    `json:"entity_name"`
	EntityID   string    `json:"entity_id"`
	Operation  Operation `json:"operation"`

	// Payload is the JSON snapshot of the entity after the change.
	// It is nil for deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	// BaseVersion is the version token of the row this change was made on
	// top of. Empty for creates.
	BaseVersion string `json:"base_version,omitempty"`

	// Timestamp is the UTC instant the change was captured.
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the entity key this entry touches.
func (e *Entry) Key() Key {
	return Key{EntityName: e.EntityName, EntityID: e.EntityID}
}

// Validate checks the entry before it is appended or applied.
func (e *Entry) Validate() error {
	if e.EntityName == "" {
		return fmt.Errorf("entity_name is required")
	}
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("invalid operation %q", e.Operation)
	}
	if e.Operation != OpDelete && len(e.Payload) == 0 {
		return fmt.Errorf("%s of %s requires a payload", e.Operation, e.Key())
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Before orders entries by timestamp, then by store ID.
func (e *Entry) Before(other *Entry) bool {
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.Before(other.Timestamp)
	}
	return e.ID < other.ID
}

// Sort orders entries ascending by (Timestamp, ID) in place.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Before(&entries[j])
	})
}

// GroupByKey buckets entries per entity key, preserving their relative order.
func GroupByKey(entries []Entry) map[Key][]Entry {
	groups := make(map[Key][]Entry)
	for _, e := range entries {
		k := e.Key()
		groups[k] = append(groups[k], e)
	}
	return groups
}

// Latest returns the most recent entry of a non-empty slice.
func Latest(entries []Entry) Entry {
	latest := entries[0]
	for i := 1; i < len(entries); i++ {
		if latest.Before(&entries[i]) {
			latest = entries[i]
		}
	}
	return latest
}
