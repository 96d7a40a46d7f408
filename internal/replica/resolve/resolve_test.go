package resolve

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechcat/partsync/internal/replica/ledger"
)

var t0 = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

func entry(id int64, name, key string, op ledger.Operation, at time.Time, version string) ledger.Entry {
	e := ledger.Entry{
		ID:         id,
		EntityName: name,
		EntityID:   key,
		Operation:  op,
		Timestamp:  at,
	}
	if op != ledger.OpDelete {
		e.Payload = json.RawMessage(`{"id":` + key + `,"version":"` + version + `"}`)
	}
	return e
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"last_writer_wins", LastWriterWins, false},
		{"LWW", LastWriterWins, false},
		{"", LastWriterWins, false},
		{"optimistic_interactive", OptimisticInteractive, false},
		{" push ", OptimisticInteractive, false},
		{"manual", LastWriterWins, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Policy {
	t.Helper()
	p, err := ParsePolicy(s)
	require.NoError(t, err)
	return p
}

func TestReconcileOneSided(t *testing.T) {
	local := []ledger.Entry{
		entry(2, "Product", "7", ledger.OpUpdate, t0.Add(time.Minute), "b"),
		entry(1, "Product", "7", ledger.OpCreate, t0, "a"),
	}
	remote := []ledger.Entry{
		entry(9, "Record", "3", ledger.OpDelete, t0, ""),
	}

	plan := Reconcile(local, remote)

	require.Len(t, plan.ToRemote, 2)
	assert.Equal(t, int64(1), plan.ToRemote[0].ID, "entries are replayed oldest first")
	assert.Equal(t, int64(2), plan.ToRemote[1].ID)
	require.Len(t, plan.ToLocal, 1)
	assert.Equal(t, ledger.OpDelete, plan.ToLocal[0].Operation)
	assert.Empty(t, plan.Discarded)
	assert.False(t, plan.Empty())
}

func TestReconcileLaterWins(t *testing.T) {
	tests := []struct {
		name      string
		localAt   time.Time
		remoteAt  time.Time
		wantLoser Side
	}{
		{"remote later", t0, t0.Add(5 * time.Minute), Local},
		{"local later", t0.Add(5 * time.Minute), t0, Remote},
		{"tie goes to remote", t0, t0, Local},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := []ledger.Entry{entry(1, "Assembly", "42", ledger.OpUpdate, tt.localAt, "A")}
			remote := []ledger.Entry{entry(1, "Assembly", "42", ledger.OpUpdate, tt.remoteAt, "B")}

			plan := Reconcile(local, remote)

			require.Len(t, plan.Discarded, 1)
			d := plan.Discarded[0]
			assert.Equal(t, tt.wantLoser, d.Loser)
			assert.Equal(t, "Assembly/42", d.Key.String())

			if tt.wantLoser == Local {
				assert.Empty(t, plan.ToRemote)
				require.Len(t, plan.ToLocal, 1)
				assert.Equal(t, ledger.ResolutionRemoteWins, d.Resolution())
			} else {
				assert.Empty(t, plan.ToLocal)
				require.Len(t, plan.ToRemote, 1)
				assert.Equal(t, ledger.ResolutionLocalWins, d.Resolution())
			}
		})
	}
}

func TestReconcileComparesLatestEntryOnly(t *testing.T) {
	// Local edited early and late; remote once in between.
	local := []ledger.Entry{
		entry(1, "Assembly", "42", ledger.OpUpdate, t0, "A1"),
		entry(2, "Assembly", "42", ledger.OpUpdate, t0.Add(10*time.Minute), "A2"),
	}
	remote := []ledger.Entry{
		entry(5, "Assembly", "42", ledger.OpUpdate, t0.Add(5*time.Minute), "B"),
	}

	plan := Reconcile(local, remote)

	require.Len(t, plan.ToRemote, 2, "every winning entry is replayed")
	assert.Empty(t, plan.ToLocal)
	require.Len(t, plan.Discarded, 1)
	assert.Equal(t, Remote, plan.Discarded[0].Loser)
	assert.Len(t, plan.Discarded[0].Entries, 1)
}

func TestReconcileIsDeterministic(t *testing.T) {
	local := []ledger.Entry{
		entry(1, "Record", "1", ledger.OpUpdate, t0, "l1"),
		entry(2, "Record", "2", ledger.OpUpdate, t0.Add(time.Minute), "l2"),
		entry(3, "Product", "1", ledger.OpUpdate, t0, "l3"),
	}
	remote := []ledger.Entry{
		entry(1, "Record", "1", ledger.OpUpdate, t0.Add(time.Minute), "r1"),
		entry(2, "Record", "2", ledger.OpUpdate, t0, "r2"),
		entry(3, "Product", "1", ledger.OpUpdate, t0, "r3"),
	}

	first := Reconcile(local, remote)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Reconcile(local, remote))
	}

	require.Len(t, first.Discarded, 3)
	assert.Equal(t, "Product/1", first.Discarded[0].Key.String())
	assert.Equal(t, "Record/1", first.Discarded[1].Key.String())
	assert.Equal(t, "Record/2", first.Discarded[2].Key.String())
}

func TestReconcileEmpty(t *testing.T) {
	plan := Reconcile(nil, nil)
	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Discarded)
}

func TestDiscardConflict(t *testing.T) {
	localEntry := entry(1, "Assembly", "42", ledger.OpUpdate, t0, "A")
	remoteEntry := entry(7, "Assembly", "42", ledger.OpUpdate, t0.Add(time.Minute), "B")

	d := Discard{
		Key:     localEntry.Key(),
		Loser:   Local,
		Entries: []ledger.Entry{localEntry},
		Winner:  remoteEntry,
	}
	now := t0.Add(time.Hour)
	c := d.Conflict(now)

	assert.Equal(t, "Assembly", c.EntityName)
	assert.Equal(t, "42", c.EntityID)
	assert.Equal(t, "A", c.LocalVersion)
	assert.Equal(t, "B", c.RemoteVersion)
	assert.Equal(t, t0, c.LocalTimestamp)
	assert.Equal(t, t0.Add(time.Minute), c.RemoteTimestamp)
	assert.Equal(t, now, c.Timestamp)
	assert.JSONEq(t, string(localEntry.Payload), string(c.LocalPayload))
}

func TestDiscardConflictDeletedLoser(t *testing.T) {
	d := Discard{
		Key:     ledger.Key{EntityName: "Record", EntityID: "5"},
		Loser:   Remote,
		Entries: []ledger.Entry{entry(3, "Record", "5", ledger.OpDelete, t0, "")},
		Winner:  entry(4, "Record", "5", ledger.OpUpdate, t0.Add(time.Second), "L"),
	}
	c := d.Conflict(t0)
	assert.Equal(t, "L", c.LocalVersion)
	assert.Empty(t, c.RemoteVersion)
	assert.Empty(t, c.RemotePayload)
}
