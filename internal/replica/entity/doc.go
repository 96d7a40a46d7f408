// Package entity defines the replicated catalog shapes.
//
// # Overview
//
// The catalog has three replicated entity types: Product, Assembly and
// Record. The change ledger refers to them by name ("Product", "Assembly",
// "Record") and by the string form of their integer primary key.
//
// Each type is described by a Shape: its table, its column bindings and
// explicit codec functions. Shapes are collected in a Registry that is
// built at compile time; an entity name missing from the registry is an
// explicit, testable branch rather than a runtime type lookup failure.
//
// # Payloads
//
// A ledger payload is the JSON form of the entity after the change:
//
//	{
//	  "id": 42,
//	  "product_id": 7,
//	  "name": "Gear train",
//	  "updated_at": "2026-03-02T10:05:00Z",
//	  "version": "5d1c0c1e-7c9f-4d8e-9a57-3f3c9f0b1a42"
//	}
//
// Relationship keys are omitted when unset. Shape.PresentColumns reports
// which columns a payload actually carries, so an update never resets a
// relationship the snapshot did not mention.
//
// # Version Tokens
//
// Every tracked commit stamps a fresh opaque version token on the row.
// The push path compares tokens to detect concurrent modification without
// comparing field values.
//
// # Usage Examples
//
// Resolving a ledger entry to a shape:
//
//	shape, ok := entity.Default().Lookup(entry.EntityName)
//	if !ok {
//	    // unknown entity: skip with a warning
//	}
//	e, err := shape.Decode(entry.Payload)
//
// Writing only the columns present in a payload:
//
//	cols, err := shape.PresentColumns(entry.Payload)
//	args := shape.ValuesFor(e, cols)
package entity
