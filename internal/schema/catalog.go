package schema

import (
	"fmt"
	"time"
)

// Resource names a catalog table. Each resource syncs independently.
type Resource string

const (
	ResourceMenuItems  Resource = "menu_items"
	ResourceModifiers  Resource = "modifiers"
	ResourceCategories Resource = "categories"
)

// CatalogResources lists every catalog resource in sync order.
var CatalogResources = []Resource{ResourceCategories, ResourceMenuItems, ResourceModifiers}

// IsValid reports whether r is a known catalog resource.
func (r Resource) IsValid() bool {
	for _, known := range CatalogResources {
		if r == known {
			return true
		}
	}
	return false
}

// ParseResource converts a user-supplied name into a Resource.
func ParseResource(name string) (Resource, error) {
	r := Resource(name)
	if !r.IsValid() {
		return "", fmt.Errorf("unknown catalog resource %q (want one of %v)", name, CatalogResources)
	}
	return r, nil
}

// CatalogItem is a menu item, modifier or category.
//
// Rows are never physically removed by sync. A non-nil DeletedAt is a tombstone:
// the row stays resolvable by ID but is hidden from every visible listing.
type CatalogItem struct {
	ID         string    `json:"id"`
	Resource   Resource  `json:"resource"`
	Name       string    `json:"name"`
	Category   string    `json:"category,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"` // modifier -> menu item
	PriceCents int64     `json:"price_cents"`
	Available  bool      `json:"available"`
	SortOrder  int       `json:"sort_order"`
	UpdatedAt  time.Time `json:"updated_at"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Validate checks if the CatalogItem has valid field values.
func (c *CatalogItem) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !c.Resource.IsValid() {
		return fmt.Errorf("invalid resource: %q", c.Resource)
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.PriceCents < 0 {
		return fmt.Errorf("price_cents must not be negative (got %d)", c.PriceCents)
	}
	if c.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// IsDeleted returns true if the item carries a tombstone.
func (c *CatalogItem) IsDeleted() bool {
	return c.DeletedAt != nil
}

// MarkDeleted tombstones the item at t.
func (c *CatalogItem) MarkDeleted(t time.Time) {
	t = t.UTC()
	c.DeletedAt = &t
	c.UpdatedAt = t
}
