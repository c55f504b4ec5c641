package index

import (
	"sort"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

// Tallies maps each affected entity to a lower bound on the number of new
// contributions that landed for it. A zero entry means "a contribution was
// overwritten in place: nothing new to count, but the entity still needs
// re-aggregation". Tallies are ephemeral; losing them only costs a redundant
// re-run because contribute and aggregate are idempotent.
type Tallies map[metadata.CataloguedEntityReference]int

// Add records n new contributions for ref. n may be zero to request
// re-aggregation without raising the expected lower bound.
func (t Tallies) Add(ref metadata.CataloguedEntityReference, n int) {
	t[ref] += n
}

// Merge folds other into t.
func (t Tallies) Merge(other Tallies) {
	for ref, n := range other {
		t[ref] += n
	}
}

// Entities returns the tallied entity references in deterministic order.
func (t Tallies) Entities() []metadata.CataloguedEntityReference {
	refs := make([]metadata.CataloguedEntityReference, 0, len(t))
	for ref := range t {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})
	return refs
}
