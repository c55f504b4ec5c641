// Package metadata defines the entity and document model for the indexing
// pipeline: entity references, bundle identifiers, contribution and aggregate
// documents, and the deterministic store coordinates derived from them.
package metadata

import (
	"fmt"
)

// EntityType enumerates the kinds of logical metadata entities the index
// knows about. The set is closed: every switch over EntityType is exhaustive
// so adding a type is a compile-time-checked change.
type EntityType int

const (
	Datasets EntityType = iota
	Donors
	Samples
	Files
	Bundles
)

// entityTypeNames holds the plural names used as index-name components and
// as inner-entity keys inside document contents.
var entityTypeNames = [...]string{
	Datasets: "datasets",
	Donors:   "donors",
	Samples:  "samples",
	Files:    "files",
	Bundles:  "bundles",
}

func (t EntityType) String() string {
	if t < 0 || int(t) >= len(entityTypeNames) {
		return fmt.Sprintf("EntityType(%d)", int(t))
	}
	return entityTypeNames[t]
}

// ParseEntityType maps a plural type name back to its EntityType.
func ParseEntityType(name string) (EntityType, error) {
	for t, n := range entityTypeNames {
		if n == name {
			return EntityType(t), nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", name)
}

// AllEntityTypes returns every entity type in declaration order.
func AllEntityTypes() []EntityType {
	return []EntityType{Datasets, Donors, Samples, Files, Bundles}
}

// EntityReference identifies one logical metadata entity independent of any
// bundle. It is a comparable value type suitable as a map key.
type EntityReference struct {
	Type EntityType
	ID   string
}

func (r EntityReference) String() string {
	return r.Type.String() + "/" + r.ID
}

// Validate checks that the reference is well formed.
func (r EntityReference) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("entity reference of type %s has empty id", r.Type)
	}
	if r.Type < 0 || int(r.Type) >= len(entityTypeNames) {
		return fmt.Errorf("entity reference %q has invalid type", r.ID)
	}
	return nil
}

// CataloguedEntityReference is an EntityReference pinned to one catalog.
// Operations never cross catalogs implicitly.
type CataloguedEntityReference struct {
	Catalog string
	Entity  EntityReference
}

func (r CataloguedEntityReference) String() string {
	return r.Catalog + "/" + r.Entity.String()
}

// Validate checks that the catalog and the inner reference are well formed.
func (r CataloguedEntityReference) Validate() error {
	if r.Catalog == "" {
		return fmt.Errorf("catalogued reference %s has empty catalog", r.Entity)
	}
	return r.Entity.Validate()
}
