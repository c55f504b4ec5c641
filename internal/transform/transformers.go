package transform

import (
	"sort"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

// datasetTransformer emits one contribution per logical dataset in the
// bundle. Source repositories frequently carry several physical copies of
// the same dataset row (one per table the graph was assembled from), so the
// copies are grouped by their logical id and reconciled into one fragment.
// A dataset is a bundle-wide root: its contribution sees every donor,
// sample, and file the bundle carries.
type datasetTransformer struct {
	catalog string
}

func (t *datasetTransformer) EntityType() metadata.EntityType {
	return metadata.Datasets
}

func (t *datasetTransformer) Transform(b *metadata.Bundle, deleted bool) ([]metadata.Contribution, error) {
	copies := make(map[string][]metadata.JSON)
	for _, ref := range b.EntitiesOfType(metadata.Datasets) {
		frag, err := fragment(b, ref)
		if err != nil {
			return nil, err
		}
		id := ref.ID
		if logical, ok := frag["dataset_id"].(string); ok && logical != "" {
			id = logical
		}
		frag["document_id"] = id
		copies[id] = append(copies[id], frag)
	}
	ids := make([]string, 0, len(copies))
	for id := range copies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var related []metadata.EntityReference
	for _, inner := range []metadata.EntityType{metadata.Donors, metadata.Samples, metadata.Files} {
		related = append(related, b.EntitiesOfType(inner)...)
	}

	var out []metadata.Contribution
	for _, id := range ids {
		reconciled, err := ReconcileCopies(copies[id])
		if err != nil {
			return nil, err
		}
		c, err := contents(b, related)
		if err != nil {
			return nil, err
		}
		c["datasets"] = []any{reconciled}
		ref := metadata.EntityReference{Type: metadata.Datasets, ID: id}
		out = append(out, newContribution(t.catalog, b, ref, deleted, c))
	}
	return out, nil
}

// donorTransformer emits one contribution per donor. A donor must descend
// from a dataset; its contribution sees its dataset ancestors and its
// sample/file descendants.
type donorTransformer struct {
	catalog string
}

func (t *donorTransformer) EntityType() metadata.EntityType {
	return metadata.Donors
}

func (t *donorTransformer) Transform(b *metadata.Bundle, deleted bool) ([]metadata.Contribution, error) {
	g := newLinkGraph(b)
	refs := sortRefs(b.EntitiesOfType(metadata.Donors))
	var out []metadata.Contribution
	for _, ref := range refs {
		if err := requireAncestorOfType(b, g, ref, metadata.Datasets); err != nil {
			return nil, err
		}
		c, err := relatedContents(b, g, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, newContribution(t.catalog, b, ref, deleted, c))
	}
	return out, nil
}

// sampleTransformer emits one contribution per sample. A sample must descend
// from a donor.
type sampleTransformer struct {
	catalog string
}

func (t *sampleTransformer) EntityType() metadata.EntityType {
	return metadata.Samples
}

func (t *sampleTransformer) Transform(b *metadata.Bundle, deleted bool) ([]metadata.Contribution, error) {
	g := newLinkGraph(b)
	refs := sortRefs(b.EntitiesOfType(metadata.Samples))
	var out []metadata.Contribution
	for _, ref := range refs {
		if err := requireAncestorOfType(b, g, ref, metadata.Donors); err != nil {
			return nil, err
		}
		c, err := relatedContents(b, g, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, newContribution(t.catalog, b, ref, deleted, c))
	}
	return out, nil
}

// fileTransformer emits one contribution per file. A file must descend from
// a dataset; its contribution sees every ancestor up to the dataset root.
type fileTransformer struct {
	catalog string
}

func (t *fileTransformer) EntityType() metadata.EntityType {
	return metadata.Files
}

func (t *fileTransformer) Transform(b *metadata.Bundle, deleted bool) ([]metadata.Contribution, error) {
	g := newLinkGraph(b)
	refs := sortRefs(b.EntitiesOfType(metadata.Files))
	var out []metadata.Contribution
	for _, ref := range refs {
		if err := requireAncestorOfType(b, g, ref, metadata.Datasets); err != nil {
			return nil, err
		}
		c, err := relatedContents(b, g, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, newContribution(t.catalog, b, ref, deleted, c))
	}
	return out, nil
}

// bundleTransformer emits one singleton contribution describing the bundle
// itself, so the bundle is searchable as an entity in its own right.
type bundleTransformer struct {
	catalog string
}

func (t *bundleTransformer) EntityType() metadata.EntityType {
	return metadata.Bundles
}

func (t *bundleTransformer) Transform(b *metadata.Bundle, deleted bool) ([]metadata.Contribution, error) {
	var refs []metadata.EntityReference
	for ref := range b.Entities {
		refs = append(refs, ref)
	}
	c, err := contents(b, sortRefs(refs))
	if err != nil {
		return nil, err
	}
	c["bundles"] = []any{metadata.JSON{
		"document_id": b.FQID.UUID,
		"version":     b.FQID.Version,
	}}
	ref := metadata.EntityReference{Type: metadata.Bundles, ID: b.FQID.UUID}
	return []metadata.Contribution{newContribution(t.catalog, b, ref, deleted, c)}, nil
}

func sortRefs(refs []metadata.EntityReference) []metadata.EntityReference {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}
