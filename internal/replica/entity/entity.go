package entity

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Entity is a catalog row that can be replicated.
type Entity interface {
	// EntityName is the ledger discriminator, e.g. "Assembly".
	EntityName() string
	// KeyString is the primary key in ledger form.
	KeyString() string
	// VersionToken is the opaque token replaced on every tracked commit.
	VersionToken() string
	SetVersionToken(token string)
	// Touch stamps the modification time.
	Touch(now time.Time)
	Modified() time.Time
	Validate() error
}

// Column binds one SQL column to one JSON field of the payload.
type Column struct {
	Name  string
	Field string
}

// Scanner is the subset of *sql.Row / *sql.Rows used by Shape.Scan.
type Scanner interface {
	Scan(dest ...any) error
}

// Shape is the static description of one entity type: its table, its column
// bindings and explicit codec functions. Columns[0] is always the key.
type Shape struct {
	Name    string
	Table   string
	Columns []Column

	New      func() Entity
	Values   func(e Entity) []any
	Scan     func(row Scanner) (Entity, error)
	ParseKey func(id string) (any, error)
}

// KeyColumn returns the primary key column name.
func (s *Shape) KeyColumn() string {
	return s.Columns[0].Name
}

// ColumnNames lists every column in binding order.
func (s *Shape) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Decode parses a ledger payload into a fresh entity of this shape.
func (s *Shape) Decode(payload []byte) (Entity, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty %s payload", s.Name)
	}
	e := s.New()
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", s.Name, err)
	}
	return e, nil
}

// Encode serializes an entity into its ledger payload.
func (s *Shape) Encode(e Entity) (json.RawMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", s.Name, e.KeyString(), err)
	}
	return data, nil
}

// PresentColumns returns the non-key columns whose JSON field appears in the
// payload. Updates only touch these, so relationships omitted from a snapshot
// keep their current value. Encode writes every field, with a cleared link
// as null, so a full snapshot names every column.
func (s *Shape) PresentColumns(payload []byte) ([]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to inspect %s payload: %w", s.Name, err)
	}

	var cols []string
	for _, c := range s.Columns[1:] {
		if _, ok := fields[c.Field]; ok {
			cols = append(cols, c.Name)
		}
	}
	return cols, nil
}

// ValuesFor returns the entity's values for the named columns, in that order.
func (s *Shape) ValuesFor(e Entity, columns []string) []any {
	all := s.Values(e)
	index := make(map[string]int, len(s.Columns))
	for i, c := range s.Columns {
		index[c.Name] = i
	}

	out := make([]any, 0, len(columns))
	for _, name := range columns {
		out = append(out, all[index[name]])
	}
	return out
}

// Registry maps entity names to shapes. It is built once and never changes.
type Registry struct {
	shapes map[string]*Shape
}

// NewRegistry builds a registry from the given shapes.
func NewRegistry(shapes ...*Shape) *Registry {
	r := &Registry{shapes: make(map[string]*Shape, len(shapes))}
	for _, s := range shapes {
		r.shapes[s.Name] = s
	}
	return r
}

// Default returns the registry of catalog shapes.
func Default() *Registry {
	return NewRegistry(ProductShape, AssemblyShape, RecordShape)
}

// Lookup resolves an entity name. Unknown names return false.
func (r *Registry) Lookup(name string) (*Shape, bool) {
	s, ok := r.shapes[name]
	return s, ok
}

// Names returns the registered entity names sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.shapes))
	for name := range r.shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
