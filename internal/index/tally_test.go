package index

import (
	"reflect"
	"testing"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

func TestTalliesZeroEntriesAreKept(t *testing.T) {
	ref := entityRef(metadata.Files, "f1")
	tallies := Tallies{}
	tallies.Add(ref, 0)
	if _, ok := tallies[ref]; !ok {
		t.Fatal("zero tally dropped; re-aggregation would never trigger")
	}
	tallies.Add(ref, 1)
	if tallies[ref] != 1 {
		t.Errorf("tally = %d", tallies[ref])
	}
}

func TestTalliesMergeAndOrder(t *testing.T) {
	a := Tallies{
		entityRef(metadata.Files, "f2"):  1,
		entityRef(metadata.Donors, "d1"): 2,
	}
	b := Tallies{
		entityRef(metadata.Files, "f2"): 3,
		entityRef(metadata.Files, "f1"): 1,
	}
	a.Merge(b)
	if a[entityRef(metadata.Files, "f2")] != 4 {
		t.Errorf("merged tally = %d", a[entityRef(metadata.Files, "f2")])
	}

	got := a.Entities()
	want := []metadata.CataloguedEntityReference{
		entityRef(metadata.Donors, "d1"),
		entityRef(metadata.Files, "f1"),
		entityRef(metadata.Files, "f2"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("entities = %v, want %v", got, want)
	}
}
