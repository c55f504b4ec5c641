// Package ingest bridges the Kafka topics to the indexing core: it decodes
// bundle notifications into transform+contribute runs and tally events into
// aggregation runs. Both handlers are idempotent, matching the at-least-once
// delivery of the consumers.
package ingest

import (
	"fmt"
	"time"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

// BundleEvent is a notification that one bundle snapshot should be indexed
// or deleted. The producer resolves the full bundle up front; the event is
// self-contained.
type BundleEvent struct {
	Catalog    string          `json:"catalog"`
	Bundle     metadata.Bundle `json:"bundle"`
	Delete     bool            `json:"delete"`
	NotifiedAt time.Time       `json:"notified_at"`
}

// Key returns the partitioning key. Events for the same bundle land on the
// same partition and are consumed in order.
func (e BundleEvent) Key() string {
	return fmt.Sprintf("%s/%s", e.Catalog, e.Bundle.FQID.UUID)
}

// MarkerKey returns the Redis duplicate-marker key for this event. Distinct
// per (catalog, bundle FQID, action) so a delete is never mistaken for a
// duplicate of the preceding index.
func (e BundleEvent) MarkerKey() string {
	action := "index"
	if e.Delete {
		action = "delete"
	}
	return fmt.Sprintf("bundle:%s:%s:%s", e.Catalog, e.Bundle.FQID, action)
}

// TallyEvent asks the aggregation consumer to rebuild one entity's aggregate.
// Count is a lower bound on the contributions newly written for the entity;
// zero means "re-aggregate only".
type TallyEvent struct {
	Catalog    string `json:"catalog"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Count      int    `json:"count"`
}

// Key returns the partitioning key. Tallies for the same entity are ordered,
// so aggregations of one entity never race on the queue itself.
func (e TallyEvent) Key() string {
	return fmt.Sprintf("%s/%s/%s", e.Catalog, e.EntityType, e.EntityID)
}

// Reference resolves the event's entity reference.
func (e TallyEvent) Reference() (metadata.CataloguedEntityReference, error) {
	t, err := metadata.ParseEntityType(e.EntityType)
	if err != nil {
		return metadata.CataloguedEntityReference{}, err
	}
	ref := metadata.CataloguedEntityReference{
		Catalog: e.Catalog,
		Entity:  metadata.EntityReference{Type: t, ID: e.EntityID},
	}
	return ref, ref.Validate()
}
