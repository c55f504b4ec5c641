package metadata

import (
	"fmt"
	"sort"
)

// WriteKind selects the optimistic-concurrency mode for a document write.
type WriteKind int

const (
	// CreateOnly expects no prior document to exist; a conflict means a
	// document with the same coordinates is already present.
	CreateOnly WriteKind = iota
	// Overwrite replaces the document unconditionally.
	Overwrite
	// CheckVersion replaces the document only if its stored version token
	// matches the expected one.
	CheckVersion
)

func (k WriteKind) String() string {
	switch k {
	case CreateOnly:
		return "create-only"
	case Overwrite:
		return "overwrite"
	case CheckVersion:
		return "check-version"
	default:
		return fmt.Sprintf("WriteKind(%d)", int(k))
	}
}

// DocumentCoordinates is the store-native address of a document. It is
// derived deterministically from model coordinates and never persisted as a
// separate object.
type DocumentCoordinates struct {
	Index      string
	DocumentID string
}

func (c DocumentCoordinates) String() string {
	return c.Index + "/" + c.DocumentID
}

// ContributionIndexName returns the name of the contributions index for one
// catalog and entity type.
func ContributionIndexName(catalog string, t EntityType) string {
	return fmt.Sprintf("%s_%s_contributions", catalog, t)
}

// AggregateIndexName returns the name of the aggregates index for one
// catalog and entity type.
func AggregateIndexName(catalog string, t EntityType) string {
	return fmt.Sprintf("%s_%s_aggregates", catalog, t)
}

// ContributionCoordinates identifies one contribution: one bundle's view of
// one entity in one catalog. The deleted flag is part of the identity, so a
// tombstone never collides with the live document it shadows.
type ContributionCoordinates struct {
	Entity  CataloguedEntityReference
	Bundle  BundleFQID
	Deleted bool
}

// Document returns the store coordinates for this contribution.
func (c ContributionCoordinates) Document() DocumentCoordinates {
	suffix := "exists"
	if c.Deleted {
		suffix = "deleted"
	}
	return DocumentCoordinates{
		Index: ContributionIndexName(c.Entity.Catalog, c.Entity.Type()),
		DocumentID: fmt.Sprintf("%s_%s_%s_%s",
			c.Entity.Entity.ID, c.Bundle.UUID, c.Bundle.Version, suffix),
	}
}

// Validate checks every component of the coordinates.
func (c ContributionCoordinates) Validate() error {
	if err := c.Entity.Validate(); err != nil {
		return err
	}
	return c.Bundle.Validate()
}

// Type is a convenience accessor for the entity type of the coordinates.
func (r CataloguedEntityReference) Type() EntityType {
	return r.Entity.Type
}

// AggregateCoordinates identifies the single canonical aggregate document of
// one entity in one catalog.
type AggregateCoordinates struct {
	Entity CataloguedEntityReference
}

// Document returns the store coordinates for this aggregate.
func (c AggregateCoordinates) Document() DocumentCoordinates {
	return DocumentCoordinates{
		Index:      AggregateIndexName(c.Entity.Catalog, c.Entity.Type()),
		DocumentID: c.Entity.Entity.ID,
	}
}

// Contribution is the per-(entity, bundle) view of an entity's content.
// Exactly one committed contribution exists per (entity, bundle, catalog,
// deleted) coordinate; a later write for the same key overwrites the earlier
// one. Contributions are always fully replaced, never partially updated.
type Contribution struct {
	Coordinates ContributionCoordinates
	// Kind is the write mode the contribution is first attempted with.
	// Fresh contributions use CreateOnly; the writer flips redelivered
	// duplicates to Overwrite on conflict.
	Kind WriteKind
	// Contents holds one list of inner-entity fragments per related entity
	// type, keyed by the plural type name.
	Contents JSON
}

// Validate checks the coordinates and that contents are present.
func (c *Contribution) Validate() error {
	if err := c.Coordinates.Validate(); err != nil {
		return err
	}
	if c.Contents == nil {
		return fmt.Errorf("contribution %s has nil contents", c.Coordinates.Document())
	}
	return nil
}

// ContributionBody is the persisted JSON form of a contribution.
type ContributionBody struct {
	EntityID      string `json:"entity_id"`
	BundleUUID    string `json:"bundle_uuid"`
	BundleVersion string `json:"bundle_version"`
	Deleted       bool   `json:"deleted"`
	Contents      JSON   `json:"contents"`
}

// Body returns the persisted form of the contribution.
func (c *Contribution) Body() ContributionBody {
	return ContributionBody{
		EntityID:      c.Coordinates.Entity.Entity.ID,
		BundleUUID:    c.Coordinates.Bundle.UUID,
		BundleVersion: c.Coordinates.Bundle.Version,
		Deleted:       c.Coordinates.Deleted,
		Contents:      c.Contents,
	}
}

// Aggregate is the canonical, search-facing per-entity document, one per
// (entity, catalog). It is derived state: created or replaced atomically by
// aggregation, never hand-edited.
type Aggregate struct {
	Coordinates AggregateCoordinates
	// Version is the store's optimistic-concurrency token of the aggregate
	// read at the start of the read-modify-write cycle, or nil if no
	// aggregate existed yet.
	Version *int64
	// Contents holds the reduced inner-entity fragments. An aggregate whose
	// contributing bundles have all been deleted keeps empty contents as an
	// explicit tombstone.
	Contents JSON
	// Bundles lists the live bundles whose contributions are reflected in
	// Contents, sorted for determinism.
	Bundles []BundleFQID
	// NumContributions is a lower bound on the number of contribution
	// documents present in the store for this entity, used by the
	// aggregation consistency check.
	NumContributions int
}

// AggregateBody is the persisted JSON form of an aggregate.
type AggregateBody struct {
	EntityID         string       `json:"entity_id"`
	Contents         JSON         `json:"contents"`
	Bundles          []BundleFQID `json:"bundles"`
	NumContributions int          `json:"num_contributions"`
}

// Body returns the persisted form of the aggregate with bundles sorted by
// UUID then version.
func (a *Aggregate) Body() AggregateBody {
	bundles := make([]BundleFQID, len(a.Bundles))
	copy(bundles, a.Bundles)
	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].UUID != bundles[j].UUID {
			return bundles[i].UUID < bundles[j].UUID
		}
		return bundles[i].Version < bundles[j].Version
	})
	return AggregateBody{
		EntityID:         a.Coordinates.Entity.Entity.ID,
		Contents:         a.Contents,
		Bundles:          bundles,
		NumContributions: a.NumContributions,
	}
}
