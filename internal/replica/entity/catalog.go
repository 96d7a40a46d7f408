package entity

import (
	"fmt"
	"strconv"
	"time"
)

// Product is a sellable product made of assemblies.
type Product struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`

	UpdatedAt time.Time `json:"updated_at"`
	Version   string    `json:"version"`
}

func (p *Product) EntityName() string { return "Product" }
func (p *Product) KeyString() string { return strconv.FormatInt(p.ID, 10) }
func (p *Product) VersionToken() string { return p.Version }
func (p *Product) SetVersionToken(token string) { p.Version = token }
func (p *Product) Touch(now time.Time) { p.UpdatedAt = now.UTC() }
func (p *Product) Modified() time.Time { return p.UpdatedAt }

// Validate checks required product fields.
func (p *Product) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("product id must be positive (got %d)", p.ID)
	}
	if p.Name == "" {
		return fmt.Errorf("product name is required")
	}
	if len(p.Code) > 64 {
		return fmt.Errorf("product code must be 64 characters or less (got %d)", len(p.Code))
	}
	return nil
}

// Assembly groups part records under an optional product.
type Assembly struct {
	ID int64 `json:"id"`

	// ===== Relationships =====
	ProductID *int64 `json:"product_id"`

	Name        string `json:"name"`
	Description string `json:"description"`

	UpdatedAt time.Time `json:"updated_at"`
	Version   string    `json:"version"`
}

func (a *Assembly) EntityName() string { return "Assembly" }
func (a *Assembly) KeyString() string { return strconv.FormatInt(a.ID, 10) }
func (a *Assembly) VersionToken() string { return a.Version }
func (a *Assembly) SetVersionToken(token string) { a.Version = token }
func (a *Assembly) Touch(now time.Time) { a.UpdatedAt = now.UTC() }
func (a *Assembly) Modified() time.Time { return a.UpdatedAt }

// Validate checks required assembly fields.
func (a *Assembly) Validate() error {
	if a.ID <= 0 {
		return fmt.Errorf("assembly id must be positive (got %d)", a.ID)
	}
	if a.Name == "" {
		return fmt.Errorf("assembly name is required")
	}
	return nil
}

// Record is a single mechanical part record.
type Record struct {
	ID int64 `json:"id"`

	// ===== Relationships =====
	AssemblyID *int64 `json:"assembly_id"`

	// ===== Part Data =====
	PartNumber string  `json:"part_number"`
	Name       string  `json:"name"`
	Material   string  `json:"material"`
	MassKg     float64 `json:"mass_kg"`
	Drawing    string  `json:"drawing"`
	Notes      string  `json:"notes"`

	UpdatedAt time.Time `json:"updated_at"`
	Version   string    `json:"version"`
}

func (r *Record) EntityName() string { return "Record" }
func (r *Record) KeyString() string { return strconv.FormatInt(r.ID, 10) }
func (r *Record) VersionToken() string { return r.Version }
func (r *Record) SetVersionToken(token string) { r.Version = token }
func (r *Record) Touch(now time.Time) { r.UpdatedAt = now.UTC() }
func (r *Record) Modified() time.Time { return r.UpdatedAt }

// Validate checks required record fields.
func (r *Record) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("record id must be positive (got %d)", r.ID)
	}
	if r.PartNumber == "" {
		return fmt.Errorf("part number is required")
	}
	if r.Name == "" {
		return fmt.Errorf("record name is required")
	}
	if r.MassKg < 0 {
		return fmt.Errorf("mass must not be negative (got %g)", r.MassKg)
	}
	return nil
}
