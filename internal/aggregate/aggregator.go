package aggregate

import (
	"fmt"
	"sort"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

// EntityAggregator reduces the inner-entity fragments of one type into the
// summary fragments stored on an aggregate.
type EntityAggregator interface {
	Aggregate(entities []metadata.JSON) []metadata.JSON
}

// AccumulatorFactory creates a fresh accumulator for one field.
type AccumulatorFactory func() Accumulator

// SimpleAggregator deduplicates fully-identical fragments and then folds
// every field through an accumulator chosen by field name, producing a
// single summary fragment.
type SimpleAggregator struct {
	// ForField returns the accumulator factory for a named field. Returning
	// nil falls back to Default.
	ForField func(field string) AccumulatorFactory
	// Default is used for fields without a specific rule.
	Default AccumulatorFactory
	// Synthetic fields are fed once per deduplicated fragment with only the
	// entity key set, e.g. to count distinct entities.
	Synthetic map[string]AccumulatorFactory
}

// Aggregate reduces fragments to one summary fragment, or none if there is
// no input.
func (a *SimpleAggregator) Aggregate(entities []metadata.JSON) []metadata.JSON {
	entities = dedupe(entities)
	if len(entities) == 0 {
		return nil
	}
	accs := make(map[string]Accumulator)
	fields := make([]string, 0)
	for _, frag := range entities {
		key := entityKey(frag)
		for field, value := range frag {
			acc, ok := accs[field]
			if !ok {
				acc = a.newAccumulator(field)
				accs[field] = acc
				fields = append(fields, field)
			}
			acc.Accumulate(Entry{EntityKey: key, Value: value})
		}
		for field, factory := range a.Synthetic {
			acc, ok := accs[field]
			if !ok {
				acc = factory()
				accs[field] = acc
				fields = append(fields, field)
			}
			acc.Accumulate(Entry{EntityKey: key})
		}
	}
	out := make(metadata.JSON, len(accs))
	for _, field := range fields {
		if value, emit := accs[field].Result(); emit {
			out[field] = value
		}
	}
	return []metadata.JSON{out}
}

func (a *SimpleAggregator) newAccumulator(field string) Accumulator {
	if a.ForField != nil {
		if factory := a.ForField(field); factory != nil {
			return factory()
		}
	}
	if a.Default != nil {
		return a.Default()
	}
	return NewSetAccumulator(0)
}

// GroupingAggregator buckets fragments by a key field and applies a fresh
// inner aggregator per bucket, emitting one summary fragment per bucket.
// Used where one outer entity has heterogeneous inner entities that must be
// summarized per category, e.g. per-file-format size totals.
type GroupingAggregator struct {
	GroupKey string
	NewInner func() EntityAggregator
}

// Aggregate reduces fragments to one summary fragment per group, ordered by
// group key for determinism.
func (a *GroupingAggregator) Aggregate(entities []metadata.JSON) []metadata.JSON {
	entities = dedupe(entities)
	if len(entities) == 0 {
		return nil
	}
	groups := make(map[string][]metadata.JSON)
	for _, frag := range entities {
		key := canonical(frag[a.GroupKey])
		groups[key] = append(groups[key], frag)
	}
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out []metadata.JSON
	for _, key := range keys {
		out = append(out, a.NewInner().Aggregate(groups[key])...)
	}
	return out
}

// dedupe removes fully-identical fragments, preserving a deterministic
// order.
func dedupe(entities []metadata.JSON) []metadata.JSON {
	seen := make(map[string]bool, len(entities))
	out := make([]metadata.JSON, 0, len(entities))
	for _, frag := range entities {
		key := canonical(frag)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, frag)
	}
	sort.Slice(out, func(i, j int) bool {
		return entityKey(out[i]) < entityKey(out[j])
	})
	return out
}

// entityKey identifies the physical inner entity a fragment describes. The
// version component keeps distinct snapshots of an entity distinct for
// identity-aware accumulators.
func entityKey(frag metadata.JSON) string {
	id, _ := frag["document_id"].(string)
	version, _ := frag["version"].(string)
	if version == "" {
		return id
	}
	return fmt.Sprintf("%s.%s", id, version)
}
