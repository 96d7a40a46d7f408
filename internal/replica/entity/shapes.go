package entity

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// ProductShape binds Product to the products table.
var ProductShape = &Shape{
	Name:  "Product",
	Table: "products",
	Columns: []Column{
		{Name: "id", Field: "id"},
		{Name: "code", Field: "code"},
		{Name: "name", Field: "name"},
		{Name: "description", Field: "description"},
		{Name: "updated_at", Field: "updated_at"},
		{Name: "version", Field: "version"},
	},
	New: func() Entity { return &Product{} },
	Values: func(e Entity) []any {
		p := e.(*Product)
		return []any{p.ID, p.Code, p.Name, p.Description, timeToNanos(p.UpdatedAt), p.Version}
	},
	Scan: func(row Scanner) (Entity, error) {
		var p Product
		var updatedAt int64
		if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &updatedAt, &p.Version); err != nil {
			return nil, err
		}
		p.UpdatedAt = nanosToTime(updatedAt)
		return &p, nil
	},
	ParseKey: parseIntKey,
}

// AssemblyShape binds Assembly to the assemblies table.
var AssemblyShape = &Shape{
	Name:  "Assembly",
	Table: "assemblies",
	Columns: []Column{
		{Name: "id", Field: "id"},
		{Name: "product_id", Field: "product_id"},
		{Name: "name", Field: "name"},
		{Name: "description", Field: "description"},
		{Name: "updated_at", Field: "updated_at"},
		{Name: "version", Field: "version"},
	},
	New: func() Entity { return &Assembly{} },
	Values: func(e Entity) []any {
		a := e.(*Assembly)
		return []any{a.ID, int64PtrToNull(a.ProductID), a.Name, a.Description, timeToNanos(a.UpdatedAt), a.Version}
	},
	Scan: func(row Scanner) (Entity, error) {
		var a Assembly
		var productID sql.NullInt64
		var updatedAt int64
		if err := row.Scan(&a.ID, &productID, &a.Name, &a.Description, &updatedAt, &a.Version); err != nil {
			return nil, err
		}
		a.ProductID = nullToInt64Ptr(productID)
		a.UpdatedAt = nanosToTime(updatedAt)
		return &a, nil
	},
	ParseKey: parseIntKey,
}

// RecordShape binds Record to the records table.
var RecordShape = &Shape{
	Name:  "Record",
	Table: "records",
	Columns: []Column{
		{Name: "id", Field: "id"},
		{Name: "assembly_id", Field: "assembly_id"},
		{Name: "part_number", Field: "part_number"},
		{Name: "name", Field: "name"},
		{Name: "material", Field: "material"},
		{Name: "mass_kg", Field: "mass_kg"},
		{Name: "drawing", Field: "drawing"},
		{Name: "notes", Field: "notes"},
		{Name: "updated_at", Field: "updated_at"},
		{Name: "version", Field: "version"},
	},
	New: func() Entity { return &Record{} },
	Values: func(e Entity) []any {
		r := e.(*Record)
		return []any{
			r.ID,
			int64PtrToNull(r.AssemblyID),
			r.PartNumber,
			r.Name,
			r.Material,
			r.MassKg,
			r.Drawing,
			r.Notes,
			timeToNanos(r.UpdatedAt),
			r.Version,
		}
	},
	Scan: func(row Scanner) (Entity, error) {
		var r Record
		var assemblyID sql.NullInt64
		var updatedAt int64
		err := row.Scan(
			&r.ID,
			&assemblyID,
			&r.PartNumber,
			&r.Name,
			&r.Material,
			&r.MassKg,
			&r.Drawing,
			&r.Notes,
			&updatedAt,
			&r.Version,
		)
		if err != nil {
			return nil, err
		}
		r.AssemblyID = nullToInt64Ptr(assemblyID)
		r.UpdatedAt = nanosToTime(updatedAt)
		return &r, nil
	},
	ParseKey: parseIntKey,
}

// parseIntKey converts a ledger entity id to an integer primary key.
func parseIntKey(id string) (any, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid integer key %q: %w", id, err)
	}
	return n, nil
}

// timeToNanos stores times as UTC unix nanoseconds; the zero time maps to 0.
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// int64PtrToNull converts an optional key to a nullable SQL value.
func int64PtrToNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullToInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
