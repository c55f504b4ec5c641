package transform

import (
	"errors"
	"reflect"
	"testing"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
)

func TestReconcileCopiesSingle(t *testing.T) {
	copy := metadata.JSON{"title": "a"}
	got, err := ReconcileCopies([]metadata.JSON{copy})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, copy) {
		t.Errorf("got %v", got)
	}
}

func TestReconcileCopiesEmpty(t *testing.T) {
	_, err := ReconcileCopies(nil)
	if !errors.Is(err, indexerr.ErrMalformedBundle) {
		t.Errorf("err = %v, want ErrMalformedBundle", err)
	}
}

func TestReconcileCopiesSupersetWins(t *testing.T) {
	full := metadata.JSON{"title": "a", "description": "long"}
	partial := metadata.JSON{"title": "a"}
	got, err := ReconcileCopies([]metadata.JSON{partial, full})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, full) {
		t.Errorf("got %v, want the superset copy", got)
	}
}

func TestReconcileCopiesDeepMerge(t *testing.T) {
	a := metadata.JSON{"title": "a", "contact": metadata.JSON{"name": "x"}}
	b := metadata.JSON{"funding": "y", "contact": metadata.JSON{"email": "z"}}
	got, err := ReconcileCopies([]metadata.JSON{a, b})
	if err != nil {
		t.Fatal(err)
	}
	want := metadata.JSON{
		"title":   "a",
		"funding": "y",
		"contact": metadata.JSON{"name": "x", "email": "z"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReconcileCopiesConflictingField(t *testing.T) {
	a := metadata.JSON{"title": "a", "extra": 1}
	b := metadata.JSON{"title": "b", "other": 2}
	_, err := ReconcileCopies([]metadata.JSON{a, b})
	if !errors.Is(err, indexerr.ErrAmbiguousMerge) {
		t.Errorf("err = %v, want ErrAmbiguousMerge", err)
	}
	if indexerr.KindOf(err) != indexerr.Structural {
		t.Errorf("kind = %v, want structural", indexerr.KindOf(err))
	}
}

func TestReconcileCopiesVersionMismatch(t *testing.T) {
	a := metadata.JSON{"title": "a", "version": "1"}
	b := metadata.JSON{"title": "a", "version": "2", "extra": true}
	_, err := ReconcileCopies([]metadata.JSON{a, b})
	if !errors.Is(err, indexerr.ErrAmbiguousMerge) {
		t.Errorf("err = %v, want ErrAmbiguousMerge", err)
	}
}
