package transform

import (
	"errors"
	"testing"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
)

func testBundle() *metadata.Bundle {
	dataset := metadata.EntityReference{Type: metadata.Datasets, ID: "p1"}
	donor := metadata.EntityReference{Type: metadata.Donors, ID: "d1"}
	sample := metadata.EntityReference{Type: metadata.Samples, ID: "s1"}
	file := metadata.EntityReference{Type: metadata.Files, ID: "f1"}
	return &metadata.Bundle{
		FQID: metadata.BundleFQID{UUID: "b1", Version: "2024-01-01T000000.000000Z"},
		Entities: map[metadata.EntityReference]metadata.JSON{
			dataset: {"dataset_id": "DS", "title": "T", "estimated_cell_count": 100},
			donor:   {"diagnosis": "flu"},
			sample:  {"assay_type": "rna", "estimated_cell_count": 50},
			file:    {"file_format": "fastq", "size": 10},
		},
		Links: []metadata.EntityLink{
			{Source: dataset, Target: donor},
			{Source: donor, Target: sample},
			{Source: sample, Target: file},
		},
	}
}

func transformAll(t *testing.T, b *metadata.Bundle, deleted bool) []metadata.Contribution {
	t.Helper()
	transformers, err := ForPlugin("repository", "test")
	if err != nil {
		t.Fatal(err)
	}
	var out []metadata.Contribution
	for _, tr := range transformers {
		cs, err := tr.Transform(b, deleted)
		if err != nil {
			t.Fatalf("%s transformer: %v", tr.EntityType(), err)
		}
		out = append(out, cs...)
	}
	return out
}

func TestTransformProducesOneContributionPerEntity(t *testing.T) {
	contributions := transformAll(t, testBundle(), false)
	if len(contributions) != 5 {
		t.Fatalf("got %d contributions, want 5", len(contributions))
	}
	byID := make(map[string]metadata.Contribution)
	for _, c := range contributions {
		byID[c.Coordinates.Entity.Entity.ID] = c
		if c.Kind != metadata.CreateOnly {
			t.Errorf("contribution %s kind = %v", c.Coordinates.Document(), c.Kind)
		}
		if c.Coordinates.Deleted {
			t.Errorf("contribution %s unexpectedly deleted", c.Coordinates.Document())
		}
	}
	// The dataset contribution is keyed by its logical id, not the graph id.
	if _, ok := byID["DS"]; !ok {
		t.Error("dataset contribution not keyed by logical dataset_id")
	}
	if _, ok := byID["p1"]; ok {
		t.Error("dataset contribution keyed by physical graph id")
	}
}

func TestDatasetContributionSeesWholeBundle(t *testing.T) {
	contributions := transformAll(t, testBundle(), false)
	var ds metadata.Contribution
	for _, c := range contributions {
		if c.Coordinates.Entity.Type() == metadata.Datasets {
			ds = c
		}
	}
	for _, key := range []string{"datasets", "donors", "samples", "files"} {
		frags, ok := ds.Contents[key].([]any)
		if !ok || len(frags) != 1 {
			t.Errorf("contents[%q] = %v", key, ds.Contents[key])
		}
	}
	frag := ds.Contents["datasets"].([]any)[0].(metadata.JSON)
	if frag["document_id"] != "DS" || frag["title"] != "T" {
		t.Errorf("dataset fragment = %v", frag)
	}
}

func TestFileContributionSeesAncestors(t *testing.T) {
	transformer := &fileTransformer{catalog: "test"}
	contributions, err := transformer.Transform(testBundle(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(contributions) != 1 {
		t.Fatalf("got %d contributions", len(contributions))
	}
	c := contributions[0]
	for _, key := range []string{"files", "samples", "donors", "datasets"} {
		if _, ok := c.Contents[key]; !ok {
			t.Errorf("file contribution missing %q", key)
		}
	}
	frag := c.Contents["files"].([]any)[0].(metadata.JSON)
	if frag["document_id"] != "f1" {
		t.Errorf("file fragment = %v", frag)
	}
}

func TestDonorWithoutDatasetAncestorAborts(t *testing.T) {
	donor := metadata.EntityReference{Type: metadata.Donors, ID: "d1"}
	b := &metadata.Bundle{
		FQID: metadata.BundleFQID{UUID: "b1", Version: "v1"},
		Entities: map[metadata.EntityReference]metadata.JSON{
			donor: {"diagnosis": "flu"},
		},
	}
	transformer := &donorTransformer{catalog: "test"}
	_, err := transformer.Transform(b, false)
	if !errors.Is(err, indexerr.ErrMissingLink) {
		t.Errorf("err = %v, want ErrMissingLink", err)
	}
	if indexerr.Retryable(err) {
		t.Error("missing-link error must not be retryable")
	}
}

func TestDeletedFlagPropagates(t *testing.T) {
	for _, c := range transformAll(t, testBundle(), true) {
		if !c.Coordinates.Deleted {
			t.Errorf("contribution %s not marked deleted", c.Coordinates.Document())
		}
		if c.Contents == nil {
			t.Errorf("tombstone %s lost its contents", c.Coordinates.Document())
		}
	}
}

func TestDatasetCopiesAreReconciled(t *testing.T) {
	b := testBundle()
	// A second physical copy of the same logical dataset, carrying fewer
	// fields.
	copyRef := metadata.EntityReference{Type: metadata.Datasets, ID: "p1-copy"}
	b.Entities[copyRef] = metadata.JSON{"dataset_id": "DS", "title": "T"}

	transformer := &datasetTransformer{catalog: "test"}
	contributions, err := transformer.Transform(b, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(contributions) != 1 {
		t.Fatalf("got %d dataset contributions, want 1", len(contributions))
	}
	frag := contributions[0].Contents["datasets"].([]any)[0].(metadata.JSON)
	if frag["estimated_cell_count"] != 100 {
		t.Errorf("reconciled fragment dropped the superset copy: %v", frag)
	}
}

func TestBundleTransformerEmitsSingleton(t *testing.T) {
	transformer := &bundleTransformer{catalog: "test"}
	contributions, err := transformer.Transform(testBundle(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(contributions) != 1 {
		t.Fatalf("got %d contributions", len(contributions))
	}
	c := contributions[0]
	if c.Coordinates.Entity.Entity.ID != "b1" {
		t.Errorf("bundle entity id = %q", c.Coordinates.Entity.Entity.ID)
	}
	frag := c.Contents["bundles"].([]any)[0].(metadata.JSON)
	if frag["document_id"] != "b1" || frag["version"] != "2024-01-01T000000.000000Z" {
		t.Errorf("bundle fragment = %v", frag)
	}
}

func TestForPluginUnknown(t *testing.T) {
	if _, err := ForPlugin("nonexistent", "test"); err == nil {
		t.Error("expected error for unknown plugin")
	}
}
