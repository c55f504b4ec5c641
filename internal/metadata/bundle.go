package metadata

import (
	"encoding/json"
	"fmt"
)

// JSON is a decoded document fragment. Inner-entity fragments carry a
// "document_id" field identifying the entity they describe.
type JSON = map[string]any

// BundleFQID identifies one immutable snapshot of a bundle. Version is a
// sortable timestamp string, so plain string comparison orders versions.
type BundleFQID struct {
	UUID    string `json:"uuid"`
	Version string `json:"version"`
}

func (f BundleFQID) String() string {
	return f.UUID + "." + f.Version
}

// Validate checks that both components are present.
func (f BundleFQID) Validate() error {
	if f.UUID == "" || f.Version == "" {
		return fmt.Errorf("bundle fqid %q is incomplete", f)
	}
	return nil
}

// Newer reports whether f is a strictly later version than other. Only
// meaningful for FQIDs sharing a UUID.
func (f BundleFQID) Newer(other BundleFQID) bool {
	return f.Version > other.Version
}

// EntityLink is a directed edge in a bundle's entity graph, pointing from a
// parent entity to one of its children (e.g. donor -> sample -> file).
type EntityLink struct {
	Source EntityReference
	Target EntityReference
}

// Bundle is the unit of ingestion: one fetch from the source repository
// yields one bundle with a fixed entity graph. The producer resolves all
// metadata rows up front; the indexing core never fetches anything itself.
type Bundle struct {
	FQID     BundleFQID
	Entities map[EntityReference]JSON
	Links    []EntityLink
}

// Validate checks the bundle identity, every entity reference, and that all
// link endpoints resolve to entities present in the bundle.
func (b *Bundle) Validate() error {
	if err := b.FQID.Validate(); err != nil {
		return err
	}
	for ref := range b.Entities {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("bundle %s: %w", b.FQID, err)
		}
	}
	for _, link := range b.Links {
		if _, ok := b.Entities[link.Source]; !ok {
			return fmt.Errorf("bundle %s: link source %s not in bundle", b.FQID, link.Source)
		}
		if _, ok := b.Entities[link.Target]; !ok {
			return fmt.Errorf("bundle %s: link target %s not in bundle", b.FQID, link.Target)
		}
	}
	return nil
}

// EntitiesOfType returns the references of all entities of the given type,
// in unspecified order.
func (b *Bundle) EntitiesOfType(t EntityType) []EntityReference {
	var refs []EntityReference
	for ref := range b.Entities {
		if ref.Type == t {
			refs = append(refs, ref)
		}
	}
	return refs
}

// wireEntity and wireLink define the JSON wire shape of a bundle as carried
// on the notification topic. The in-memory map keyed by EntityReference is
// not directly marshalable.
type wireEntity struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
	Row  JSON   `json:"row"`
}

type wireRef struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
}

type wireLink struct {
	Source wireRef `json:"source"`
	Target wireRef `json:"target"`
}

type wireBundle struct {
	UUID     string       `json:"uuid"`
	Version  string       `json:"version"`
	Entities []wireEntity `json:"entities"`
	Links    []wireLink   `json:"links"`
}

// MarshalJSON encodes the bundle in its wire shape.
func (b Bundle) MarshalJSON() ([]byte, error) {
	w := wireBundle{
		UUID:    b.FQID.UUID,
		Version: b.FQID.Version,
	}
	for ref, row := range b.Entities {
		w.Entities = append(w.Entities, wireEntity{
			Type: ref.Type.String(),
			ID:   ref.ID,
			Row:  row,
		})
	}
	for _, link := range b.Links {
		w.Links = append(w.Links, wireLink{
			Source: wireRef{Type: link.Source.Type.String(), ID: link.Source.ID},
			Target: wireRef{Type: link.Target.Type.String(), ID: link.Target.ID},
		})
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape back into a Bundle.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var w wireBundle
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.FQID = BundleFQID{UUID: w.UUID, Version: w.Version}
	b.Entities = make(map[EntityReference]JSON, len(w.Entities))
	for _, e := range w.Entities {
		t, err := ParseEntityType(e.Type)
		if err != nil {
			return fmt.Errorf("bundle %s: %w", b.FQID, err)
		}
		b.Entities[EntityReference{Type: t, ID: e.ID}] = e.Row
	}
	b.Links = b.Links[:0]
	for _, l := range w.Links {
		st, err := ParseEntityType(l.Source.Type)
		if err != nil {
			return fmt.Errorf("bundle %s: %w", b.FQID, err)
		}
		tt, err := ParseEntityType(l.Target.Type)
		if err != nil {
			return fmt.Errorf("bundle %s: %w", b.FQID, err)
		}
		b.Links = append(b.Links, EntityLink{
			Source: EntityReference{Type: st, ID: l.Source.ID},
			Target: EntityReference{Type: tt, ID: l.Target.ID},
		})
	}
	return nil
}
