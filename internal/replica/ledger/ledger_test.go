package ledger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr string
	}{
		{
			name:  "valid create",
			entry: Entry{EntityName: "Product", EntityID: "7", Operation: OpCreate, Payload: json.RawMessage(`{"id":7}`), Timestamp: t0},
		},
		{
			name:  "delete without payload",
			entry: Entry{EntityName: "Product", EntityID: "7", Operation: OpDelete, Timestamp: t0},
		},
		{
			name:    "missing entity name",
			entry:   Entry{EntityID: "7", Operation: OpDelete, Timestamp: t0},
			wantErr: "entity_name",
		},
		{
			name:    "update without payload",
			entry:   Entry{EntityName: "Record", EntityID: "5", Operation: OpUpdate, Timestamp: t0},
			wantErr: "requires a payload",
		},
		{
			name:    "bad operation",
			entry:   Entry{EntityName: "Record", EntityID: "5", Operation: "Upsert", Timestamp: t0},
			wantErr: "invalid operation",
		},
		{
			name:    "zero timestamp",
			entry:   Entry{EntityName: "Record", EntityID: "5", Operation: OpDelete},
			wantErr: "timestamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSortByTimestampThenID(t *testing.T) {
	entries := []Entry{
		{ID: 3, Timestamp: t0.Add(time.Minute)},
		{ID: 2, Timestamp: t0},
		{ID: 1, Timestamp: t0},
	}
	Sort(entries)

	assert.Equal(t, []int64{1, 2, 3}, []int64{entries[0].ID, entries[1].ID, entries[2].ID})
}

func TestLatestAndGroup(t *testing.T) {
	entries := []Entry{
		{ID: 1, EntityName: "Assembly", EntityID: "42", Timestamp: t0.Add(5 * time.Minute)},
		{ID: 2, EntityName: "Assembly", EntityID: "42", Timestamp: t0},
		{ID: 3, EntityName: "Product", EntityID: "7", Timestamp: t0},
	}

	groups := GroupByKey(entries)
	require.Len(t, groups, 2)

	asm := groups[Key{EntityName: "Assembly", EntityID: "42"}]
	require.Len(t, asm, 2)
	assert.Equal(t, int64(1), Latest(asm).ID)
	assert.Equal(t, "Assembly/42", asm[0].Key().String())
}

func TestParseDecision(t *testing.T) {
	for _, d := range []Decision{KeepLocal, KeepRemote, Postpone} {
		got, err := ParseDecision(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}

	_, err := ParseDecision("merge")
	assert.Error(t, err)
	assert.Equal(t, ResolutionPostponed, Postpone.Resolution())
}

func TestWriteJSONLGolden(t *testing.T) {
	entries := []Entry{
		{ID: 1, EntityName: "Product", EntityID: "7", Operation: OpCreate, Payload: json.RawMessage(`{"id":7,"name":"Gearbox"}`), Timestamp: t0},
		{ID: 2, EntityName: "Record", EntityID: "5", Operation: OpUpdate, Payload: json.RawMessage(`{"id":5,"name":"Shaft"}`), BaseVersion: "v1", Timestamp: t0.Add(time.Minute)},
		{ID: 3, EntityName: "Record", EntityID: "6", Operation: OpDelete, Timestamp: t0.Add(2 * time.Minute)},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, entries))

	g := goldie.New(t)
	g.Assert(t, "ledger_export", buf.Bytes())
}

func TestReadJSONLRoundTrip(t *testing.T) {
	input := strings.Join([]string{
		`{"id":1,"entity_name":"Product","entity_id":"7","operation":"Create","payload":{"id":7},"timestamp":"2026-03-02T10:00:00Z"}`,
		`{"id":2,"entity_name":"Product","entity_id":"7","operation":"Delete","timestamp":"2026-03-02T10:01:00Z"}`,
	}, "\n")

	entries, err := ReadJSONL(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpDelete, entries[1].Operation)
	assert.True(t, entries[0].Timestamp.Equal(t0))
}

func TestReadJSONLRejectsInvalidEntry(t *testing.T) {
	input := `{"id":1,"entity_name":"Product","entity_id":"7","operation":"Update","timestamp":"2026-03-02T10:00:00Z"}`

	_, err := ReadJSONL(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}
