package index

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	"github.com/DataBiosphere/azul-sub001/internal/store"
	"github.com/DataBiosphere/azul-sub001/pkg/config"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
)

func newTestService(st store.Store) *Service {
	return New(st, testIndexConfig(), []config.CatalogConfig{
		{Name: "test", Plugin: "repository"},
	}, nil)
}

// testBundle builds a dataset -> donor -> sample -> file chain. The dataset
// row carries the logical id "DS" shared across bundles.
func testBundle(uuid, version, fileID string, fileSize int, title string) *metadata.Bundle {
	dataset := metadata.EntityReference{Type: metadata.Datasets, ID: "p-" + uuid}
	donor := metadata.EntityReference{Type: metadata.Donors, ID: "d1"}
	sample := metadata.EntityReference{Type: metadata.Samples, ID: "s1"}
	file := metadata.EntityReference{Type: metadata.Files, ID: fileID}
	return &metadata.Bundle{
		FQID: metadata.BundleFQID{UUID: uuid, Version: version},
		Entities: map[metadata.EntityReference]metadata.JSON{
			dataset: {"dataset_id": "DS", "title": title, "estimated_cell_count": 100},
			donor:   {"diagnosis": "flu"},
			sample:  {"assay_type": "rna", "estimated_cell_count": 50},
			file:    {"file_format": "fastq", "size": fileSize},
		},
		Links: []metadata.EntityLink{
			{Source: dataset, Target: donor},
			{Source: donor, Target: sample},
			{Source: sample, Target: file},
		},
	}
}

func entityRef(t metadata.EntityType, id string) metadata.CataloguedEntityReference {
	return metadata.CataloguedEntityReference{
		Catalog: "test",
		Entity:  metadata.EntityReference{Type: t, ID: id},
	}
}

func readAggregate(t *testing.T, st store.Store, ref metadata.CataloguedEntityReference) metadata.AggregateBody {
	t.Helper()
	coords := metadata.AggregateCoordinates{Entity: ref}.Document()
	docs, err := st.MultiGet(context.Background(), []metadata.DocumentCoordinates{coords})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("aggregate %s not found", coords)
	}
	var body metadata.AggregateBody
	if err := json.Unmarshal(docs[0].Body, &body); err != nil {
		t.Fatal(err)
	}
	return body
}

func innerFragments(t *testing.T, body metadata.AggregateBody, inner string) []map[string]any {
	t.Helper()
	raw, ok := body.Contents[inner].([]any)
	if !ok {
		t.Fatalf("contents[%q] = %v", inner, body.Contents[inner])
	}
	out := make([]map[string]any, len(raw))
	for i, f := range raw {
		out[i] = f.(map[string]any)
	}
	return out
}

func TestIndexBuildsAggregatesForEveryEntity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	b := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")
	if err := svc.Index(ctx, "test", b); err != nil {
		t.Fatal(err)
	}

	ds := readAggregate(t, st, entityRef(metadata.Datasets, "DS"))
	if ds.NumContributions != 1 {
		t.Errorf("dataset num_contributions = %d", ds.NumContributions)
	}
	if !reflect.DeepEqual(ds.Bundles, []metadata.BundleFQID{b.FQID}) {
		t.Errorf("dataset bundles = %v", ds.Bundles)
	}
	frag := innerFragments(t, ds, "datasets")[0]
	if frag["title"] != "T1" || frag["dataset_id"] != "DS" {
		t.Errorf("dataset fragment = %v", frag)
	}
	if frag["estimated_cell_count"] != float64(100) {
		t.Errorf("cell count = %v", frag["estimated_cell_count"])
	}
	if _, ok := frag["description"]; ok {
		t.Error("dropped field survived aggregation")
	}

	files := innerFragments(t, ds, "files")
	if len(files) != 1 {
		t.Fatalf("file groups = %v", files)
	}
	if files[0]["file_format"] != "fastq" || files[0]["size"] != float64(10) || files[0]["count"] != float64(1) {
		t.Errorf("fastq group = %v", files[0])
	}

	donors := innerFragments(t, ds, "donors")[0]
	if donors["donor_count"] != float64(1) {
		t.Errorf("donor_count = %v", donors["donor_count"])
	}
	if !reflect.DeepEqual(donors["diagnosis"], map[string]any{"flu": float64(1)}) {
		t.Errorf("diagnosis = %v", donors["diagnosis"])
	}

	for _, ref := range []metadata.CataloguedEntityReference{
		entityRef(metadata.Donors, "d1"),
		entityRef(metadata.Samples, "s1"),
		entityRef(metadata.Files, "f1"),
		entityRef(metadata.Bundles, "b1"),
	} {
		agg := readAggregate(t, st, ref)
		if agg.NumContributions != 1 {
			t.Errorf("%s num_contributions = %d", ref, agg.NumContributions)
		}
	}
}

func TestIndexIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	b := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")

	if err := svc.Index(ctx, "test", b); err != nil {
		t.Fatal(err)
	}
	first := readAggregate(t, st, entityRef(metadata.Datasets, "DS"))
	docsAfterFirst := st.Len()

	if err := svc.Index(ctx, "test", b); err != nil {
		t.Fatalf("redelivered index: %v", err)
	}
	second := readAggregate(t, st, entityRef(metadata.Datasets, "DS"))
	if st.Len() != docsAfterFirst {
		t.Errorf("document count changed: %d -> %d", docsAfterFirst, st.Len())
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("aggregate changed on redelivery:\n%+v\n%+v", first, second)
	}
	if second.NumContributions != 1 {
		t.Errorf("num_contributions inflated to %d", second.NumContributions)
	}
}

func TestContributeTalliesZeroForOverwrites(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemory())
	b := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")

	contributions, err := svc.Transform("test", b, false)
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := svc.Contribute(ctx, contributions)
	if err != nil {
		t.Fatal(err)
	}
	for ref, n := range fresh {
		if n != 1 {
			t.Errorf("fresh tally for %s = %d", ref, n)
		}
	}

	contributions, err = svc.Transform("test", b, false)
	if err != nil {
		t.Fatal(err)
	}
	redelivered, err := svc.Contribute(ctx, contributions)
	if err != nil {
		t.Fatal(err)
	}
	if len(redelivered) != len(fresh) {
		t.Fatalf("redelivered tallies cover %d entities, want %d", len(redelivered), len(fresh))
	}
	for ref, n := range redelivered {
		if n != 0 {
			t.Errorf("redelivered tally for %s = %d, want 0", ref, n)
		}
	}
}

func TestNewBundleVersionSupersedesOld(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	v1 := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")
	v2 := testBundle("b1", "2024-06-01T000000.000000Z", "f1", 10, "T2")

	if err := svc.Index(ctx, "test", v1); err != nil {
		t.Fatal(err)
	}
	if err := svc.Index(ctx, "test", v2); err != nil {
		t.Fatal(err)
	}

	ds := readAggregate(t, st, entityRef(metadata.Datasets, "DS"))
	frag := innerFragments(t, ds, "datasets")[0]
	if frag["title"] != "T2" {
		t.Errorf("title = %v, want the newer version's", frag["title"])
	}
	// Both contributions exist, but only the newer bundle version is live.
	if ds.NumContributions != 2 {
		t.Errorf("num_contributions = %d", ds.NumContributions)
	}
	if !reflect.DeepEqual(ds.Bundles, []metadata.BundleFQID{v2.FQID}) {
		t.Errorf("bundles = %v", ds.Bundles)
	}
}

func TestDeletingNewestVersionRevertsToOlder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	v1 := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")
	v2 := testBundle("b1", "2024-06-01T000000.000000Z", "f1", 10, "T2")

	for _, b := range []*metadata.Bundle{v1, v2} {
		if err := svc.Index(ctx, "test", b); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.Delete(ctx, "test", v2); err != nil {
		t.Fatal(err)
	}

	ds := readAggregate(t, st, entityRef(metadata.Datasets, "DS"))
	frag := innerFragments(t, ds, "datasets")[0]
	if frag["title"] != "T1" {
		t.Errorf("title = %v, want the surviving version's", frag["title"])
	}
	if !reflect.DeepEqual(ds.Bundles, []metadata.BundleFQID{v1.FQID}) {
		t.Errorf("bundles = %v", ds.Bundles)
	}
}

func TestDeletingOnlyBundleLeavesTombstoneAggregate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	b := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")

	if err := svc.Index(ctx, "test", b); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "test", b); err != nil {
		t.Fatal(err)
	}

	ds := readAggregate(t, st, entityRef(metadata.Datasets, "DS"))
	if len(ds.Contents) != 0 {
		t.Errorf("tombstone contents = %v", ds.Contents)
	}
	if len(ds.Bundles) != 0 {
		t.Errorf("tombstone bundles = %v", ds.Bundles)
	}
	// Live and tombstone contributions both remain on record.
	if ds.NumContributions != 2 {
		t.Errorf("num_contributions = %d", ds.NumContributions)
	}
}

func TestAggregationIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	b1 := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")
	b2 := testBundle("b2", "2024-02-01T000000.000000Z", "f2", 20, "T1")

	run := func(bundles ...*metadata.Bundle) (metadata.AggregateBody, metadata.AggregateBody) {
		st := store.NewMemory()
		svc := newTestService(st)
		for _, b := range bundles {
			if err := svc.Index(ctx, "test", b); err != nil {
				t.Fatal(err)
			}
		}
		return readAggregate(t, st, entityRef(metadata.Datasets, "DS")),
			readAggregate(t, st, entityRef(metadata.Donors, "d1"))
	}

	ds12, donor12 := run(b1, b2)
	ds21, donor21 := run(b2, b1)
	if !reflect.DeepEqual(ds12, ds21) {
		t.Errorf("dataset aggregates diverge:\n%+v\n%+v", ds12, ds21)
	}
	if !reflect.DeepEqual(donor12, donor21) {
		t.Errorf("donor aggregates diverge:\n%+v\n%+v", donor12, donor21)
	}

	// The shared donor sees files from both bundles exactly once.
	files := innerFragments(t, donor12, "files")
	if len(files) != 1 {
		t.Fatalf("file groups = %v", files)
	}
	if files[0]["size"] != float64(30) || files[0]["count"] != float64(2) {
		t.Errorf("fastq group = %v", files[0])
	}
	if donor12.NumContributions != 2 {
		t.Errorf("donor num_contributions = %d", donor12.NumContributions)
	}
	// The shared donor entity is counted once despite two contributions.
	donors := innerFragments(t, donor12, "donors")[0]
	if donors["donor_count"] != float64(1) {
		t.Errorf("donor_count = %v", donors["donor_count"])
	}
}

func TestDeletingOneBundleLeavesSharedEntitiesIntact(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	b1 := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")
	b2 := testBundle("b2", "2024-02-01T000000.000000Z", "f2", 20, "T1")
	for _, b := range []*metadata.Bundle{b1, b2} {
		if err := svc.Index(ctx, "test", b); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.Delete(ctx, "test", b2); err != nil {
		t.Fatal(err)
	}

	// The exclusively-owned file of the deleted bundle is tombstoned.
	f2 := readAggregate(t, st, entityRef(metadata.Files, "f2"))
	if len(f2.Contents) != 0 || len(f2.Bundles) != 0 {
		t.Errorf("f2 aggregate not tombstoned: %+v", f2)
	}
	// The other bundle's file is untouched.
	f1 := readAggregate(t, st, entityRef(metadata.Files, "f1"))
	if len(f1.Bundles) != 1 || f1.Bundles[0] != b1.FQID {
		t.Errorf("f1 bundles = %v", f1.Bundles)
	}
	// The shared dataset drops back to one contributing bundle.
	ds := readAggregate(t, st, entityRef(metadata.Datasets, "DS"))
	if !reflect.DeepEqual(ds.Bundles, []metadata.BundleFQID{b1.FQID}) {
		t.Errorf("dataset bundles = %v", ds.Bundles)
	}
	files := innerFragments(t, ds, "files")
	if len(files) != 1 || files[0]["size"] != float64(10) || files[0]["count"] != float64(1) {
		t.Errorf("dataset files = %v", files)
	}
}

// donorBundle is a minimal dataset -> donor pair for the shared-donor
// scenario: two distinct bundles contributing the same donor with different
// field values.
func donorBundle(uuid, version, disease string) *metadata.Bundle {
	dataset := metadata.EntityReference{Type: metadata.Datasets, ID: "p-" + uuid}
	donor := metadata.EntityReference{Type: metadata.Donors, ID: "D"}
	return &metadata.Bundle{
		FQID: metadata.BundleFQID{UUID: uuid, Version: version},
		Entities: map[metadata.EntityReference]metadata.JSON{
			dataset: {"dataset_id": "DS-" + uuid, "title": "T"},
			donor:   {"disease": disease},
		},
		Links: []metadata.EntityLink{
			{Source: dataset, Target: donor},
		},
	}
}

func TestLatestBundleVersionWinsForSharedDonor(t *testing.T) {
	ctx := context.Background()
	b1 := donorBundle("B1", "2018-01-01T000000.000000Z", "flu")
	b2 := donorBundle("B2", "2018-01-02T000000.000000Z", "cold")

	for _, order := range [][]*metadata.Bundle{{b1, b2}, {b2, b1}} {
		st := store.NewMemory()
		svc := newTestService(st)
		for _, b := range order {
			if err := svc.Index(ctx, "test", b); err != nil {
				t.Fatal(err)
			}
		}
		donor := readAggregate(t, st, entityRef(metadata.Donors, "D"))
		if donor.NumContributions != 2 {
			t.Errorf("num_contributions = %d", donor.NumContributions)
		}
		want := []metadata.BundleFQID{b1.FQID, b2.FQID}
		if !reflect.DeepEqual(donor.Bundles, want) {
			t.Errorf("bundles = %v, want %v", donor.Bundles, want)
		}
		frag := innerFragments(t, donor, "donors")[0]
		// The same donor seen via both bundles keeps the copy from the
		// later bundle version regardless of delivery order.
		if !reflect.DeepEqual(frag["disease"], []any{"cold"}) {
			t.Errorf("disease = %v, want [cold]", frag["disease"])
		}
	}
}

// hidingStore makes Search return nothing a configured number of times,
// simulating a read that lags the contribution writes.
type hidingStore struct {
	*store.Memory
	hide int
}

func (h *hidingStore) Search(ctx context.Context, q store.Query) ([]store.Doc, error) {
	if h.hide > 0 {
		h.hide--
		return nil, nil
	}
	return h.Memory.Search(ctx, q)
}

func TestAggregateRaisesConsistencyErrorOnStaleRead(t *testing.T) {
	ctx := context.Background()
	st := &hidingStore{Memory: store.NewMemory(), hide: 1}
	svc := newTestService(st)
	b := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")

	contributions, err := svc.Transform("test", b, false)
	if err != nil {
		t.Fatal(err)
	}
	tallies, err := svc.Contribute(ctx, contributions)
	if err != nil {
		t.Fatal(err)
	}

	err = svc.Aggregate(ctx, tallies)
	if !errors.Is(err, indexerr.ErrStaleRead) {
		t.Fatalf("err = %v, want ErrStaleRead", err)
	}
	if indexerr.KindOf(err) != indexerr.Consistency {
		t.Errorf("kind = %v, want consistency", indexerr.KindOf(err))
	}
	if !indexerr.Retryable(err) {
		t.Error("stale reads must be retryable")
	}

	// A redelivery after visibility catches up succeeds.
	if err := svc.Aggregate(ctx, tallies); err != nil {
		t.Fatalf("retried aggregation: %v", err)
	}
	ds := readAggregate(t, st, entityRef(metadata.Datasets, "DS"))
	if ds.NumContributions != 1 {
		t.Errorf("num_contributions = %d", ds.NumContributions)
	}
}

// racingStore fires a one-shot side write after a Search, bumping an
// aggregate's version between the loop's read and its write.
type racingStore struct {
	*store.Memory
	race func()
}

func (r *racingStore) Search(ctx context.Context, q store.Query) ([]store.Doc, error) {
	docs, err := r.Memory.Search(ctx, q)
	if r.race != nil {
		race := r.race
		r.race = nil
		race()
	}
	return docs, err
}

func TestAggregateRetriesAfterVersionConflict(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	st := &racingStore{Memory: mem}
	svc := newTestService(st)
	b := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")
	if err := svc.Index(ctx, "test", b); err != nil {
		t.Fatal(err)
	}

	dsRef := entityRef(metadata.Datasets, "DS")
	dsCoords := metadata.AggregateCoordinates{Entity: dsRef}.Document()
	st.race = func() {
		docs, err := mem.MultiGet(ctx, []metadata.DocumentCoordinates{dsCoords})
		if err != nil || len(docs) != 1 {
			t.Errorf("reading aggregate for race: %v %v", docs, err)
			return
		}
		_, err = mem.Write(ctx, []store.Op{{
			Coordinates: dsCoords,
			EntityID:    dsRef.Entity.ID,
			Body:        docs[0].Body,
			Kind:        metadata.Overwrite,
		}})
		if err != nil {
			t.Errorf("racing write: %v", err)
		}
	}

	if err := svc.Aggregate(ctx, Tallies{dsRef: 0}); err != nil {
		t.Fatalf("aggregation after race: %v", err)
	}
	if st.race != nil {
		t.Fatal("race never fired")
	}
	docs, err := mem.MultiGet(ctx, []metadata.DocumentCoordinates{dsCoords})
	if err != nil {
		t.Fatal(err)
	}
	// Version 1 from the index, 2 from the race, 3 from the winning retry.
	if docs[0].Version != 3 {
		t.Errorf("aggregate version = %d, want 3", docs[0].Version)
	}
	ds := readAggregate(t, st, dsRef)
	if ds.NumContributions != 1 {
		t.Errorf("num_contributions = %d", ds.NumContributions)
	}
}

func TestTransformRejectsUnknownCatalog(t *testing.T) {
	svc := newTestService(store.NewMemory())
	b := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")
	_, err := svc.Transform("nope", b, false)
	if !errors.Is(err, indexerr.ErrMalformedBundle) {
		t.Errorf("err = %v, want ErrMalformedBundle", err)
	}
	if indexerr.Retryable(err) {
		t.Error("unknown catalog must not be retryable")
	}
}

func TestCreateAndDeleteIndices(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(st)
	if err := svc.CreateIndices(ctx, "test"); err != nil {
		t.Fatal(err)
	}
	b := testBundle("b1", "2024-01-01T000000.000000Z", "f1", 10, "T1")
	if err := svc.Index(ctx, "test", b); err != nil {
		t.Fatal(err)
	}
	if st.Len() == 0 {
		t.Fatal("nothing indexed")
	}
	if err := svc.DeleteIndices(ctx, "test"); err != nil {
		t.Fatal(err)
	}
	if st.Len() != 0 {
		t.Errorf("%d documents survived index deletion", st.Len())
	}
}
