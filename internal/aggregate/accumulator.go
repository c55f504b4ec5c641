// Package aggregate reduces the inner-entity fragments gathered from an
// entity's contributions into the summary fields of its aggregate document.
package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is one field value fed to an accumulator. EntityKey identifies the
// physical inner entity the value came from, letting identity-aware
// accumulators avoid double-counting the same entity seen via multiple
// bundles.
type Entry struct {
	EntityKey string
	Value     any
}

// Accumulator folds a stream of field values into one summary value. Result
// reports emit=false when the field should be dropped from the aggregate.
type Accumulator interface {
	Accumulate(e Entry)
	Result() (value any, emit bool)
}

// SetAccumulator collects distinct non-null values, capped at a maximum
// cardinality to bound document size. The cap keeps the first max values in
// sorted order, so truncation is deterministic; losing the tail is a
// deliberate trade-off between completeness and index size.
type SetAccumulator struct {
	max    int
	seen   map[string]bool
	values []any
}

// NewSetAccumulator creates a set accumulator capped at max distinct values.
func NewSetAccumulator(max int) *SetAccumulator {
	return &SetAccumulator{max: max, seen: make(map[string]bool)}
}

func (a *SetAccumulator) Accumulate(e Entry) {
	if e.Value == nil {
		return
	}
	key := canonical(e.Value)
	if a.seen[key] {
		return
	}
	a.seen[key] = true
	a.values = append(a.values, e.Value)
}

func (a *SetAccumulator) Result() (any, bool) {
	sort.Slice(a.values, func(i, j int) bool {
		return canonical(a.values[i]) < canonical(a.values[j])
	})
	values := a.values
	if a.max > 0 && len(values) > a.max {
		values = values[:a.max]
	}
	return values, true
}

// SumAccumulator sums numeric values as float64.
type SumAccumulator struct {
	sum float64
}

func (a *SumAccumulator) Accumulate(e Entry) {
	if n, ok := asFloat(e.Value); ok {
		a.sum += n
	}
}

func (a *SumAccumulator) Result() (any, bool) {
	return a.sum, true
}

// DistinctSumAccumulator sums numeric values but counts each physical
// entity at most once, so a file reached via several bundles contributes
// its size exactly once.
type DistinctSumAccumulator struct {
	seen map[string]bool
	sum  float64
}

// NewDistinctSumAccumulator creates an identity-deduplicated sum.
func NewDistinctSumAccumulator() *DistinctSumAccumulator {
	return &DistinctSumAccumulator{seen: make(map[string]bool)}
}

func (a *DistinctSumAccumulator) Accumulate(e Entry) {
	if a.seen[e.EntityKey] {
		return
	}
	a.seen[e.EntityKey] = true
	if n, ok := asFloat(e.Value); ok {
		a.sum += n
	}
}

func (a *DistinctSumAccumulator) Result() (any, bool) {
	return a.sum, true
}

// UniqueCountAccumulator counts distinct physical entities.
type UniqueCountAccumulator struct {
	seen map[string]bool
}

// NewUniqueCountAccumulator creates a distinct-entity counter.
func NewUniqueCountAccumulator() *UniqueCountAccumulator {
	return &UniqueCountAccumulator{seen: make(map[string]bool)}
}

func (a *UniqueCountAccumulator) Accumulate(e Entry) {
	a.seen[e.EntityKey] = true
}

func (a *UniqueCountAccumulator) Result() (any, bool) {
	return len(a.seen), true
}

// FrequencyAccumulator merges counters by summing per-key counts. The
// result keeps at most max keys, ordered by descending count then key, so
// truncation is deterministic.
type FrequencyAccumulator struct {
	max    int
	counts map[string]float64
}

// NewFrequencyAccumulator creates a frequency table capped at max keys.
func NewFrequencyAccumulator(max int) *FrequencyAccumulator {
	return &FrequencyAccumulator{max: max, counts: make(map[string]float64)}
}

func (a *FrequencyAccumulator) Accumulate(e Entry) {
	switch v := e.Value.(type) {
	case string:
		a.counts[v]++
	case map[string]any:
		// Already a counter fragment; merge by summing.
		for key, n := range v {
			if f, ok := asFloat(n); ok {
				a.counts[key] += f
			}
		}
	}
}

func (a *FrequencyAccumulator) Result() (any, bool) {
	type kv struct {
		key   string
		count float64
	}
	pairs := make([]kv, 0, len(a.counts))
	for key, count := range a.counts {
		pairs = append(pairs, kv{key, count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].key < pairs[j].key
	})
	if a.max > 0 && len(pairs) > a.max {
		pairs = pairs[:a.max]
	}
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		out[p.key] = p.count
	}
	return out, true
}

// SingleValueAccumulator keeps the first non-null value, for fields expected
// to be uniform across fragments.
type SingleValueAccumulator struct {
	value any
	set   bool
}

func (a *SingleValueAccumulator) Accumulate(e Entry) {
	if !a.set && e.Value != nil {
		a.value = e.Value
		a.set = true
	}
}

func (a *SingleValueAccumulator) Result() (any, bool) {
	return a.value, true
}

// ListAccumulator appends every value as-is, for naturally listy fields.
type ListAccumulator struct {
	values []any
}

func (a *ListAccumulator) Accumulate(e Entry) {
	if e.Value != nil {
		a.values = append(a.values, e.Value)
	}
}

func (a *ListAccumulator) Result() (any, bool) {
	return a.values, true
}

// DropAccumulator excludes the field from the aggregate entirely.
type DropAccumulator struct{}

func (DropAccumulator) Accumulate(Entry) {}

func (DropAccumulator) Result() (any, bool) {
	return nil, false
}

// canonical renders a value to a stable string so values of any JSON shape
// can be set members and sort keys. Map keys are sorted by json.Marshal.
func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
