// Package transform maps one bundle into the set of contribution documents
// it makes to each entity it owns or relates to. Each transformer handles
// one entity type and assembles contribution contents by directed traversal
// of the bundle's link graph. A structural failure anywhere aborts the whole
// bundle; a transformer never emits a partial contribution set.
package transform

import (
	"fmt"
	"sort"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
)

// Transformer produces the contributions one bundle makes for one entity
// type. When deleted is set, every produced contribution is a tombstone: its
// contents are still computed for provenance, but the coordinates carry the
// deleted flag.
type Transformer interface {
	EntityType() metadata.EntityType
	Transform(b *metadata.Bundle, deleted bool) ([]metadata.Contribution, error)
}

// plugins is the static registration table mapping a metadata plugin name to
// its transformer set. Built at startup, passed by injection; there is no
// runtime discovery.
var plugins = map[string]func(catalog string) []Transformer{
	"repository": func(catalog string) []Transformer {
		return []Transformer{
			&datasetTransformer{catalog: catalog},
			&donorTransformer{catalog: catalog},
			&sampleTransformer{catalog: catalog},
			&fileTransformer{catalog: catalog},
			&bundleTransformer{catalog: catalog},
		}
	},
}

// ForPlugin returns the transformer set of the named plugin, bound to one
// catalog.
func ForPlugin(plugin, catalog string) ([]Transformer, error) {
	factory, ok := plugins[plugin]
	if !ok {
		return nil, fmt.Errorf("unknown metadata plugin %q", plugin)
	}
	return factory(catalog), nil
}

// fragment returns a copy of the entity's metadata row with its document_id
// stamped in.
func fragment(b *metadata.Bundle, ref metadata.EntityReference) (metadata.JSON, error) {
	row, ok := b.Entities[ref]
	if !ok {
		return nil, indexerr.Newf(indexerr.ErrMissingLink, indexerr.Structural,
			"bundle %s references %s but does not contain it", b.FQID, ref)
	}
	out := make(metadata.JSON, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out["document_id"] = ref.ID
	return out, nil
}

// contents buckets the given fragments under their plural type names,
// sorting each bucket by document_id for deterministic output.
func contents(b *metadata.Bundle, refs []metadata.EntityReference) (metadata.JSON, error) {
	buckets := make(map[string][]metadata.JSON)
	for _, ref := range refs {
		frag, err := fragment(b, ref)
		if err != nil {
			return nil, err
		}
		key := ref.Type.String()
		buckets[key] = append(buckets[key], frag)
	}
	out := make(metadata.JSON, len(buckets))
	for key, frags := range buckets {
		sort.Slice(frags, func(i, j int) bool {
			return frags[i]["document_id"].(string) < frags[j]["document_id"].(string)
		})
		out[key] = toAnySlice(frags)
	}
	return out, nil
}

func toAnySlice(frags []metadata.JSON) []any {
	out := make([]any, len(frags))
	for i, f := range frags {
		out[i] = f
	}
	return out
}

// relatedContents assembles the contents of a contribution for ref: its own
// fragment plus those of all its ancestors and descendants in the link
// graph.
func relatedContents(b *metadata.Bundle, g *linkGraph, ref metadata.EntityReference) (metadata.JSON, error) {
	refs := []metadata.EntityReference{ref}
	refs = append(refs, g.ancestors(ref)...)
	refs = append(refs, g.descendants(ref)...)
	return contents(b, refs)
}

// newContribution builds a contribution with fresh create-only write
// semantics.
func newContribution(catalog string, b *metadata.Bundle, ref metadata.EntityReference, deleted bool, c metadata.JSON) metadata.Contribution {
	return metadata.Contribution{
		Coordinates: metadata.ContributionCoordinates{
			Entity: metadata.CataloguedEntityReference{
				Catalog: catalog,
				Entity:  ref,
			},
			Bundle:  b.FQID,
			Deleted: deleted,
		},
		Kind:     metadata.CreateOnly,
		Contents: c,
	}
}

// requireAncestorOfType enforces that ref has at least one transitive
// ancestor of the given type in the bundle graph.
func requireAncestorOfType(b *metadata.Bundle, g *linkGraph, ref metadata.EntityReference, t metadata.EntityType) error {
	for _, anc := range g.ancestors(ref) {
		if anc.Type == t {
			return nil
		}
	}
	return indexerr.Newf(indexerr.ErrMissingLink, indexerr.Structural,
		"bundle %s: %s has no %s ancestor", b.FQID, ref, t)
}
