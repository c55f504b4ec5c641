package aggregate

import (
	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

// Config holds the aggregation caps. Tunable constants, not invariants.
type Config struct {
	MaxSetSize       int
	MaxFrequencyKeys int
}

// Registry maps (outer entity type, inner entity type) to the aggregator
// that reduces that inner type's fragments inside that outer type's
// aggregate. The table is a literal built at startup; inner types without
// an entry are dropped from aggregate contents.
type Registry struct {
	cfg   Config
	table map[metadata.EntityType]map[string]EntityAggregator
}

// NewRegistry builds the default aggregation table.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{cfg: cfg, table: make(map[metadata.EntityType]map[string]EntityAggregator)}
	for _, outer := range metadata.AllEntityTypes() {
		inner := map[string]EntityAggregator{
			"datasets": r.datasetAggregator(),
			"donors":   r.donorAggregator(),
			"samples":  r.sampleAggregator(),
			"files":    r.fileAggregator(),
			// Inner "bundles" fragments are deliberately absent: bundle
			// provenance lives on the aggregate itself.
		}
		if outer == metadata.Bundles {
			// The bundle aggregate keeps its own fragment verbatim.
			inner["bundles"] = &SimpleAggregator{
				Default: func() Accumulator { return &SingleValueAccumulator{} },
			}
		}
		r.table[outer] = inner
	}
	return r
}

// For returns the aggregator for an inner type within an outer type, or nil
// if fragments of that inner type are dropped.
func (r *Registry) For(outer metadata.EntityType, inner string) EntityAggregator {
	return r.table[outer][inner]
}

func (r *Registry) set() AccumulatorFactory {
	return func() Accumulator { return NewSetAccumulator(r.cfg.MaxSetSize) }
}

func (r *Registry) datasetAggregator() EntityAggregator {
	return &SimpleAggregator{
		ForField: func(field string) AccumulatorFactory {
			switch field {
			case "dataset_id", "title":
				return func() Accumulator { return &SingleValueAccumulator{} }
			case "estimated_cell_count":
				return func() Accumulator { return &SumAccumulator{} }
			case "description":
				return func() Accumulator { return DropAccumulator{} }
			default:
				return nil
			}
		},
		Default: r.set(),
	}
}

func (r *Registry) donorAggregator() EntityAggregator {
	return &SimpleAggregator{
		ForField: func(field string) AccumulatorFactory {
			switch field {
			case "diagnosis":
				return func() Accumulator { return NewFrequencyAccumulator(r.cfg.MaxFrequencyKeys) }
			default:
				return nil
			}
		},
		Default: r.set(),
		Synthetic: map[string]AccumulatorFactory{
			"donor_count": func() Accumulator { return NewUniqueCountAccumulator() },
		},
	}
}

func (r *Registry) sampleAggregator() EntityAggregator {
	return &SimpleAggregator{
		ForField: func(field string) AccumulatorFactory {
			switch field {
			case "estimated_cell_count":
				return func() Accumulator { return NewDistinctSumAccumulator() }
			case "assay_type":
				return func() Accumulator { return NewFrequencyAccumulator(r.cfg.MaxFrequencyKeys) }
			default:
				return nil
			}
		},
		Default: r.set(),
	}
}

// fileAggregator buckets files by format so each format gets its own count
// and size total. Sums are totals across deduplicated physical files, never
// re-derived from contribution counts.
func (r *Registry) fileAggregator() EntityAggregator {
	return &GroupingAggregator{
		GroupKey: "file_format",
		NewInner: func() EntityAggregator {
			return &SimpleAggregator{
				ForField: func(field string) AccumulatorFactory {
					switch field {
					case "file_format":
						return func() Accumulator { return &SingleValueAccumulator{} }
					case "size":
						return func() Accumulator { return NewDistinctSumAccumulator() }
					case "document_id", "version":
						return func() Accumulator { return DropAccumulator{} }
					default:
						return nil
					}
				},
				Default: r.set(),
				Synthetic: map[string]AccumulatorFactory{
					"count": func() Accumulator { return NewUniqueCountAccumulator() },
				},
			}
		},
	}
}
