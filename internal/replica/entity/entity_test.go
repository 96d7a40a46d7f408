package entity

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow feeds fixed values into Scan destinations.
type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.values[i].(int64)
		case *string:
			*p = r.values[i].(string)
		case *float64:
			*p = r.values[i].(float64)
		case *sql.NullInt64:
			*p = r.values[i].(sql.NullInt64)
		}
	}
	return nil
}

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	assert.Equal(t, []string{"Assembly", "Product", "Record"}, reg.Names())

	shape, ok := reg.Lookup("Record")
	require.True(t, ok)
	assert.Equal(t, "records", shape.Table)
	assert.Equal(t, "id", shape.KeyColumn())

	_, ok = reg.Lookup("Supplier")
	assert.False(t, ok)
}

func TestShapeColumnsMatchValues(t *testing.T) {
	for _, name := range Default().Names() {
		shape, _ := Default().Lookup(name)
		values := shape.Values(shape.New())
		assert.Len(t, values, len(shape.Columns), name)
		assert.Equal(t, "id", shape.Columns[0].Name, name)
	}
}

func TestDecodeEncode(t *testing.T) {
	productID := int64(7)
	in := &Assembly{
		ID:        42,
		ProductID: &productID,
		Name:      "Gear train",
		UpdatedAt: time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC),
		Version:   "v1",
	}

	payload, err := AssemblyShape.Encode(in)
	require.NoError(t, err)

	out, err := AssemblyShape.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = AssemblyShape.Decode(nil)
	assert.Error(t, err)
}

func TestPresentColumnsSkipsMissingRelationships(t *testing.T) {
	cols, err := AssemblyShape.PresentColumns([]byte(`{"id":42,"name":"B","updated_at":"2026-03-02T10:05:00Z","version":"v2"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "updated_at", "version"}, cols)

	cols, err = AssemblyShape.PresentColumns([]byte(`{"id":42,"product_id":7,"name":"B"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"product_id", "name"}, cols)
}

func TestEncodeKeepsClearedFields(t *testing.T) {
	payload, err := RecordShape.Encode(&Record{ID: 5, PartNumber: "P-5", Name: "Bolt"})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"assembly_id":null`)
	assert.Contains(t, string(payload), `"notes":""`)
	assert.Contains(t, string(payload), `"mass_kg":0`)

	cols, err := RecordShape.PresentColumns(payload)
	require.NoError(t, err)
	assert.Equal(t, RecordShape.ColumnNames()[1:], cols)
}

func TestValuesFor(t *testing.T) {
	r := &Record{ID: 5, PartNumber: "P-5", Name: "Shaft", MassKg: 1.25, Version: "v3"}

	got := RecordShape.ValuesFor(r, []string{"name", "mass_kg", "version"})
	assert.Equal(t, []any{"Shaft", 1.25, "v3"}, got)
}

func TestScanNullRelationship(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	row := fakeRow{values: []any{
		int64(5), sql.NullInt64{}, "P-5", "Shaft", "steel", 1.25, "", "", at.UnixNano(), "v1",
	}}

	e, err := RecordShape.Scan(row)
	require.NoError(t, err)

	r := e.(*Record)
	assert.Nil(t, r.AssemblyID)
	assert.True(t, r.UpdatedAt.Equal(at))
	assert.Equal(t, "steel", r.Material)
}

func TestParseKey(t *testing.T) {
	key, err := ProductShape.ParseKey("7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), key)

	_, err = ProductShape.ParseKey("seven")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		entity  Entity
		wantErr bool
	}{
		{"valid product", &Product{ID: 7, Name: "Gearbox"}, false},
		{"product without name", &Product{ID: 7}, true},
		{"assembly bad id", &Assembly{ID: 0, Name: "A"}, true},
		{"valid record", &Record{ID: 5, PartNumber: "P-5", Name: "Shaft"}, false},
		{"record negative mass", &Record{ID: 5, PartNumber: "P-5", Name: "Shaft", MassKg: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entity.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
