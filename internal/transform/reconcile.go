package transform

import (
	"reflect"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
)

// ReconcileCopies resolves multiple candidate copies of what should be a
// single metadata row into one fragment. If one copy's field set is a
// superset of every other copy's, and agrees with them on all shared fields,
// that copy wins. Otherwise the copies are deep-merged field by field; any
// disagreement on a shared field is a structural error, never a guess.
// Copies carrying a "version" field must all carry the same one, since every
// copy is expected to be a snapshot at the same logical version.
func ReconcileCopies(copies []metadata.JSON) (metadata.JSON, error) {
	switch len(copies) {
	case 0:
		return nil, indexerr.New(indexerr.ErrMalformedBundle, indexerr.Structural,
			"no copies to reconcile")
	case 1:
		return copies[0], nil
	}
	if err := requireEqualVersions(copies); err != nil {
		return nil, err
	}
	if winner := supersetCopy(copies); winner != nil {
		return winner, nil
	}
	merged := copies[0]
	for _, copy := range copies[1:] {
		var err error
		merged, err = deepMerge(merged, copy)
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func requireEqualVersions(copies []metadata.JSON) error {
	var version any
	seen := false
	for _, c := range copies {
		v, ok := c["version"]
		if !ok {
			continue
		}
		if !seen {
			version, seen = v, true
			continue
		}
		if !reflect.DeepEqual(version, v) {
			return indexerr.Newf(indexerr.ErrAmbiguousMerge, indexerr.Structural,
				"copies disagree on version: %v vs %v", version, v)
		}
	}
	return nil
}

// supersetCopy returns a copy whose fields cover every other copy and match
// them on all shared fields, or nil if no such copy exists.
func supersetCopy(copies []metadata.JSON) metadata.JSON {
outer:
	for _, candidate := range copies {
		for _, other := range copies {
			for field, v := range other {
				cv, ok := candidate[field]
				if !ok || !reflect.DeepEqual(cv, v) {
					continue outer
				}
			}
		}
		return candidate
	}
	return nil
}

// deepMerge combines two fragments field by field. Shared fields must be
// deeply equal or both be objects (merged recursively); anything else is an
// ambiguity the caller must fix at the source.
func deepMerge(a, b metadata.JSON) (metadata.JSON, error) {
	out := make(metadata.JSON, len(a)+len(b))
	for field, v := range a {
		out[field] = v
	}
	for field, bv := range b {
		av, ok := out[field]
		if !ok {
			out[field] = bv
			continue
		}
		if reflect.DeepEqual(av, bv) {
			continue
		}
		am, aIsMap := av.(metadata.JSON)
		bm, bIsMap := bv.(metadata.JSON)
		if aIsMap && bIsMap {
			merged, err := deepMerge(am, bm)
			if err != nil {
				return nil, err
			}
			out[field] = merged
			continue
		}
		return nil, indexerr.Newf(indexerr.ErrAmbiguousMerge, indexerr.Structural,
			"field %q has conflicting values %v and %v", field, av, bv)
	}
	return out, nil
}
