// Package models defines the domain entities for the simulation core.
package models

import "time"

// BasePrompt is one role-tagged message a classroom prepends to every
// oracle call.
type BasePrompt struct {
	Role    string `json:"role"` // "system", "user"
	Content string `json:"content"`
}

// Classroom is the container for a cohort. It carries the base prompts for
// oracle calls and the starting cash balance used when seeding stores.
// A classroom is never destroyed while it has ledger entries.
type Classroom struct {
	ID              string       `json:"id"`
	OrganizationID  string       `json:"organization_id"`
	Name            string       `json:"name"`
	BasePrompts     []BasePrompt `json:"base_prompts"`
	StartingBalance float64      `json:"starting_balance"`
	CreatedAt       time.Time    `json:"created_at"`
}

// BucketCapacity holds the per-bucket unit capacity defined on a StoreType.
type BucketCapacity struct {
	Refrigerated int `json:"refrigerated"`
	Ambient      int `json:"ambient"`
	NotForResale int `json:"not_for_resale"`
}

// ForBucket returns the capacity for the named bucket.
func (c BucketCapacity) ForBucket(bucket string) int {
	switch bucket {
	case BucketRefrigerated:
		return c.Refrigerated
	case BucketAmbient:
		return c.Ambient
	case BucketNotForResale:
		return c.NotForResale
	}
	return 0
}

// StoreType is the configuration template for a student's business.
// Variable values are authoritative for capacity; the description is
// student-facing text only.
type StoreType struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Capacity        BucketCapacity  `json:"capacity"`
	StartingUnits   InventoryLevels `json:"starting_units"`
	CostPerUnit     float64         `json:"cost_per_unit"`
	PriceBaseline   float64         `json:"price_baseline"`
	StartingBalance float64         `json:"starting_balance"`
}

// Store is one student's business within a classroom. Ownership is
// exclusive: a store belongs to exactly one classroom and one student.
type Store struct {
	ID          string             `json:"id"`
	ClassroomID string             `json:"classroom_id"`
	UserID      string             `json:"user_id"`
	StoreTypeID string             `json:"store_type_id"`
	Name        string             `json:"name"`
	Variables   map[string]float64 `json:"variables,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}
