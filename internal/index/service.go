// Package index implements the contribution/aggregation core: writing
// per-bundle contribution documents durably and idempotently, and rebuilding
// each affected entity's canonical aggregate from a full read of its
// committed contributions, with optimistic-concurrency retry and
// eventual-consistency recovery.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/DataBiosphere/azul-sub001/internal/aggregate"
	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	"github.com/DataBiosphere/azul-sub001/internal/store"
	"github.com/DataBiosphere/azul-sub001/internal/transform"
	"github.com/DataBiosphere/azul-sub001/pkg/config"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
	"github.com/DataBiosphere/azul-sub001/pkg/logger"
	"github.com/DataBiosphere/azul-sub001/pkg/metrics"
)

// Service orchestrates transform -> contribute -> aggregate for indexing and
// the same flow with tombstones for deletion. It holds no mutable state of
// its own: all coordination between concurrent indexing operations happens
// through the store's version tokens.
type Service struct {
	store    store.Store
	cfg      config.IndexConfig
	plugins  map[string]string // catalog name -> plugin name
	registry *aggregate.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Service for the given catalogs. m may be nil.
func New(st store.Store, cfg config.IndexConfig, catalogs []config.CatalogConfig, m *metrics.Metrics) *Service {
	plugins := make(map[string]string, len(catalogs))
	for _, cat := range catalogs {
		plugins[cat.Name] = cat.Plugin
	}
	return &Service{
		store:   st,
		cfg:     cfg,
		plugins: plugins,
		registry: aggregate.NewRegistry(aggregate.Config{
			MaxSetSize:       cfg.MaxSetSize,
			MaxFrequencyKeys: cfg.MaxFrequencyKeys,
		}),
		metrics: m,
		logger:  logger.WithComponent("index-service"),
	}
}

// Index synchronously composes transform, contribute, and aggregate for one
// bundle. Production wiring splits contribute and aggregate across the tally
// queue; this entry point serves the admin CLI and tests.
func (s *Service) Index(ctx context.Context, catalog string, b *metadata.Bundle) error {
	return s.process(ctx, catalog, b, false)
}

// Delete replays the indexing pipeline with tombstone contributions, causing
// aggregation to exclude the bundle's views. Contribution documents are
// never physically removed, so version history stays inspectable and
// concurrent operations never race against a vanished document.
func (s *Service) Delete(ctx context.Context, catalog string, b *metadata.Bundle) error {
	return s.process(ctx, catalog, b, true)
}

func (s *Service) process(ctx context.Context, catalog string, b *metadata.Bundle, deleted bool) error {
	contributions, err := s.Transform(catalog, b, deleted)
	if err != nil {
		return err
	}
	tallies, err := s.Contribute(ctx, contributions)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		action := "index"
		if deleted {
			action = "delete"
		}
		s.metrics.BundlesTotal.WithLabelValues(catalog, action).Inc()
	}
	return s.Aggregate(ctx, tallies)
}

// Transform runs every transformer registered for the catalog's plugin
// against the bundle and collects the produced contributions. A structural
// failure in any transformer aborts the whole bundle with nothing emitted.
func (s *Service) Transform(catalog string, b *metadata.Bundle, deleted bool) ([]metadata.Contribution, error) {
	plugin, ok := s.plugins[catalog]
	if !ok {
		return nil, indexerr.Newf(indexerr.ErrMalformedBundle, indexerr.Structural,
			"unknown catalog %q", catalog)
	}
	if err := b.Validate(); err != nil {
		return nil, indexerr.Newf(indexerr.ErrMalformedBundle, indexerr.Structural,
			"%v", err)
	}
	transformers, err := transform.ForPlugin(plugin, catalog)
	if err != nil {
		return nil, indexerr.Newf(indexerr.ErrMalformedBundle, indexerr.Structural,
			"%v", err)
	}
	var contributions []metadata.Contribution
	for _, t := range transformers {
		cs, err := t.Transform(b, deleted)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, cs...)
	}
	s.logger.Debug("bundle transformed",
		"catalog", catalog,
		"bundle", b.FQID.String(),
		"contributions", len(contributions),
		"deleted", deleted,
	)
	return contributions, nil
}

// Contribute writes contributions and returns the tallies that tell the
// aggregation step which entities to rebuild. Contributions found to already
// exist are overwritten in place and tallied as zero: they still force
// re-aggregation but must not inflate the expected contribution count.
func (s *Service) Contribute(ctx context.Context, contributions []metadata.Contribution) (Tallies, error) {
	start := time.Now()
	ops := make([]store.Op, 0, len(contributions))
	for i := range contributions {
		c := &contributions[i]
		if err := c.Validate(); err != nil {
			return nil, indexerr.Newf(indexerr.ErrMalformedBundle, indexerr.Structural,
				"%v", err)
		}
		body, err := json.Marshal(c.Body())
		if err != nil {
			return nil, fmt.Errorf("marshaling contribution %s: %w", c.Coordinates.Document(), err)
		}
		ops = append(ops, store.Op{
			Coordinates: c.Coordinates.Document(),
			EntityID:    c.Coordinates.Entity.Entity.ID,
			Body:        body,
			Kind:        c.Kind,
		})
	}

	writer := NewWriter(s.store, s.cfg, s.metrics, true)
	for len(ops) > 0 {
		if err := writer.Write(ctx, ops); err != nil {
			return nil, err
		}
		ops = writer.Retries()
	}
	if err := writer.RaiseOnErrors(); err != nil {
		return nil, err
	}

	tallies := make(Tallies, len(contributions))
	for i := range contributions {
		c := &contributions[i]
		coords := c.Coordinates.Document()
		mode := "create"
		n := 1
		if writer.Overwritten(coords) {
			mode, n = "overwrite", 0
		}
		tallies.Add(c.Coordinates.Entity, n)
		if s.metrics != nil {
			s.metrics.ContributionsWrittenTotal.WithLabelValues(mode).Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.ContributeDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info("contributions written",
		"count", len(contributions),
		"entities", len(tallies),
	)
	return tallies, nil
}

// contribution is the decoded form of a stored contribution document.
type contribution struct {
	entity   metadata.CataloguedEntityReference
	bundle   metadata.BundleFQID
	deleted  bool
	contents metadata.JSON
}

// Aggregate rebuilds the aggregate of every tallied entity from a full read
// of its committed contributions. The read-modify-write loop is the system's
// core correctness mechanism: a version conflict against a concurrent
// aggregation narrows the tally to the conflicting entities and re-reads,
// so the winning write always reflects a complete view at some consistent
// point, never old-aggregate-plus-only-new-tally.
func (s *Service) Aggregate(ctx context.Context, tallies Tallies) error {
	start := time.Now()
	writer := NewWriter(s.store, s.cfg, s.metrics, false)
	loops := 0
	outcome := "ok"
	defer func() {
		if s.metrics != nil {
			s.metrics.AggregationLoops.Observe(float64(loops))
			s.metrics.AggregateDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		}
	}()

	for len(tallies) > 0 {
		loops++
		old, err := s.readAggregates(ctx, tallies)
		if err != nil {
			outcome = "error"
			return err
		}
		expected := make(map[metadata.CataloguedEntityReference]int, len(tallies))
		total := 0
		for ref, n := range tallies {
			expected[ref] = n
			if o, ok := old[ref]; ok {
				expected[ref] += o.NumContributions
			}
			total += expected[ref]
		}

		found, err := s.readContributions(ctx, tallies, total)
		if err != nil {
			outcome = "error"
			return err
		}
		if err := checkConsistency(expected, found); err != nil {
			if s.metrics != nil {
				s.metrics.ConsistencyRetriesTotal.Inc()
			}
			outcome = "stale"
			return err
		}

		ops := make([]store.Op, 0, len(tallies))
		refByCoords := make(map[metadata.DocumentCoordinates]metadata.CataloguedEntityReference, len(tallies))
		for _, ref := range tallies.Entities() {
			agg := s.reduce(ref, found[ref], old[ref])
			body, err := json.Marshal(agg.Body())
			if err != nil {
				outcome = "error"
				return fmt.Errorf("marshaling aggregate %s: %w", agg.Coordinates.Document(), err)
			}
			op := store.Op{
				Coordinates: agg.Coordinates.Document(),
				EntityID:    ref.Entity.ID,
				Body:        body,
				Kind:        metadata.CreateOnly,
			}
			if agg.Version != nil {
				op.Kind = metadata.CheckVersion
				op.ExpectedVersion = *agg.Version
			}
			ops = append(ops, op)
			refByCoords[op.Coordinates] = ref
		}

		if err := writer.Write(ctx, ops); err != nil {
			outcome = "error"
			return err
		}
		if s.metrics != nil {
			s.metrics.AggregatesWrittenTotal.Add(float64(len(ops) - len(writer.RetryCoordinates())))
		}

		// Narrow to the entities whose aggregate write lost a race and loop
		// back to a fresh read.
		next := make(Tallies)
		for _, coords := range writer.RetryCoordinates() {
			ref := refByCoords[coords]
			next[ref] = tallies[ref]
		}
		if len(next) > 0 {
			s.logger.Info("aggregate write conflicts, re-reading",
				"entities", len(next), "loop", loops)
		}
		tallies = next
	}
	if err := writer.RaiseOnErrors(); err != nil {
		outcome = "failed"
		return err
	}
	return nil
}

// readAggregates multi-gets the existing aggregate documents of all tallied
// entities. Missing aggregates are simply absent.
func (s *Service) readAggregates(ctx context.Context, tallies Tallies) (map[metadata.CataloguedEntityReference]*metadata.Aggregate, error) {
	refs := tallies.Entities()
	coords := make([]metadata.DocumentCoordinates, len(refs))
	byCoords := make(map[metadata.DocumentCoordinates]metadata.CataloguedEntityReference, len(refs))
	for i, ref := range refs {
		coords[i] = metadata.AggregateCoordinates{Entity: ref}.Document()
		byCoords[coords[i]] = ref
	}
	docs, err := s.store.MultiGet(ctx, coords)
	if err != nil {
		return nil, err
	}
	out := make(map[metadata.CataloguedEntityReference]*metadata.Aggregate, len(docs))
	for _, doc := range docs {
		ref := byCoords[doc.Coordinates]
		var body metadata.AggregateBody
		if err := json.Unmarshal(doc.Body, &body); err != nil {
			return nil, fmt.Errorf("decoding aggregate %s: %w", doc.Coordinates, err)
		}
		version := doc.Version
		out[ref] = &metadata.Aggregate{
			Coordinates:      metadata.AggregateCoordinates{Entity: ref},
			Version:          &version,
			Contents:         body.Contents,
			Bundles:          body.Bundles,
			NumContributions: body.NumContributions,
		}
	}
	return out, nil
}

// readContributions reads all contribution documents of all tallied
// entities. Expected total size selects direct paged search vs a scrolling
// cursor; both strategies return the identical logical set.
func (s *Service) readContributions(ctx context.Context, tallies Tallies, expectedTotal int) (map[metadata.CataloguedEntityReference][]contribution, error) {
	indexRef := make(map[string]metadata.CataloguedEntityReference)
	var indices []string
	idSet := make(map[string]bool)
	var ids []string
	for ref := range tallies {
		idx := metadata.ContributionIndexName(ref.Catalog, ref.Type())
		if _, ok := indexRef[idx]; !ok {
			indexRef[idx] = ref
			indices = append(indices, idx)
		}
		if !idSet[ref.Entity.ID] {
			idSet[ref.Entity.ID] = true
			ids = append(ids, ref.Entity.ID)
		}
	}
	sort.Strings(indices)
	sort.Strings(ids)

	docs, err := s.store.Search(ctx, store.Query{
		Indices:   indices,
		EntityIDs: ids,
		PageSize:  s.cfg.ScrollPageSize,
		Scroll:    expectedTotal > s.cfg.ScrollThreshold,
	})
	if err != nil {
		return nil, err
	}

	out := make(map[metadata.CataloguedEntityReference][]contribution)
	for _, doc := range docs {
		anchor, ok := indexRef[doc.Coordinates.Index]
		if !ok {
			continue
		}
		var body metadata.ContributionBody
		if err := json.Unmarshal(doc.Body, &body); err != nil {
			return nil, fmt.Errorf("decoding contribution %s: %w", doc.Coordinates, err)
		}
		ref := metadata.CataloguedEntityReference{
			Catalog: anchor.Catalog,
			Entity:  metadata.EntityReference{Type: anchor.Type(), ID: body.EntityID},
		}
		if _, tallied := tallies[ref]; !tallied {
			continue
		}
		out[ref] = append(out[ref], contribution{
			entity:   ref,
			bundle:   metadata.BundleFQID{UUID: body.BundleUUID, Version: body.BundleVersion},
			deleted:  body.Deleted,
			contents: body.Contents,
		})
	}
	return out, nil
}

// checkConsistency verifies that the contribution read caught up with every
// tallied write. Tallies are a lower bound: finding fewer documents than
// expected means the read is stale and the whole aggregation must be retried
// from the outer queue once visibility catches up.
func checkConsistency(expected map[metadata.CataloguedEntityReference]int, found map[metadata.CataloguedEntityReference][]contribution) error {
	for ref, want := range expected {
		got := len(found[ref])
		if got == 0 {
			return indexerr.Newf(indexerr.ErrStaleRead, indexerr.Consistency,
				"no contributions found for %s, expected at least %d", ref, want)
		}
		if got < want {
			return indexerr.Newf(indexerr.ErrStaleRead, indexerr.Consistency,
				"found %d contributions for %s, expected at least %d", got, ref, want)
		}
	}
	return nil
}

// reduce computes one entity's new aggregate from all its found
// contributions and its old aggregate (may be nil).
func (s *Service) reduce(ref metadata.CataloguedEntityReference, docs []contribution, old *metadata.Aggregate) metadata.Aggregate {
	live := reduceLive(docs)
	merged := s.mergeInner(ref, live)

	contents := make(metadata.JSON, len(merged))
	innerTypes := make([]string, 0, len(merged))
	for inner := range merged {
		innerTypes = append(innerTypes, inner)
	}
	sort.Strings(innerTypes)
	for _, inner := range innerTypes {
		agg := s.registry.For(ref.Type(), inner)
		if agg == nil {
			// Pass-through-excluded inner types are dropped entirely.
			continue
		}
		if frags := agg.Aggregate(merged[inner]); len(frags) > 0 {
			contents[inner] = frags
		}
	}

	bundles := make([]metadata.BundleFQID, 0, len(live))
	for _, c := range live {
		bundles = append(bundles, c.bundle)
	}
	out := metadata.Aggregate{
		Coordinates:      metadata.AggregateCoordinates{Entity: ref},
		Contents:         contents,
		Bundles:          bundles,
		NumContributions: len(docs),
	}
	if old != nil {
		out.Version = old.Version
	}
	if len(live) == 0 {
		// Every contributing bundle was deleted: the aggregate is written
		// as an explicit tombstone with zeroed contents, never silently
		// dropped.
		out.Contents = metadata.JSON{}
		out.Bundles = nil
	}
	return out
}

// reduceLive selects, per bundle, the most recent version that has not been
// tombstoned. A tombstone at version v masks the live document at v, so
// deleting a bundle version reverts the entity to its next older live
// version, or to nothing.
func reduceLive(docs []contribution) []contribution {
	type group struct {
		dead map[string]bool
		live []contribution
	}
	groups := make(map[string]*group)
	for _, c := range docs {
		g, ok := groups[c.bundle.UUID]
		if !ok {
			g = &group{dead: make(map[string]bool)}
			groups[c.bundle.UUID] = g
		}
		if c.deleted {
			g.dead[c.bundle.Version] = true
		} else {
			g.live = append(g.live, c)
		}
	}
	uuids := make([]string, 0, len(groups))
	for uuid := range groups {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	var out []contribution
	for _, uuid := range uuids {
		g := groups[uuid]
		best := -1
		for i, c := range g.live {
			if g.dead[c.bundle.Version] {
				continue
			}
			if best < 0 || c.bundle.Newer(g.live[best].bundle) {
				best = i
			}
		}
		if best >= 0 {
			out = append(out, g.live[best])
		}
	}
	return out
}

// mergeInner merges the inner-entity fragments of all live per-bundle
// contributions. The same inner entity seen via several bundles keeps the
// copy from the highest bundle version. Differing field sets between copies
// are tolerated with a warning: schemas evolve across bundle versions, and
// rejecting the merge would wedge the pipeline on old data.
func (s *Service) mergeInner(ref metadata.CataloguedEntityReference, live []contribution) map[string][]metadata.JSON {
	type pick struct {
		frag   metadata.JSON
		bundle metadata.BundleFQID
	}
	picked := make(map[string]map[string]pick)
	for _, c := range live {
		for inner, raw := range c.contents {
			frags, ok := raw.([]any)
			if !ok {
				continue
			}
			byID, ok := picked[inner]
			if !ok {
				byID = make(map[string]pick)
				picked[inner] = byID
			}
			for _, f := range frags {
				frag, ok := f.(map[string]any)
				if !ok {
					continue
				}
				id, _ := frag["document_id"].(string)
				prev, seen := byID[id]
				if !seen {
					byID[id] = pick{frag: frag, bundle: c.bundle}
					continue
				}
				if !sameShape(prev.frag, frag) {
					s.logger.Warn("inner entity shape mismatch",
						"entity", ref.String(),
						"inner_type", inner,
						"inner_id", id,
						"bundles", fmt.Sprintf("%s vs %s", prev.bundle, c.bundle),
					)
				}
				if newerPick(c.bundle, prev.bundle) {
					byID[id] = pick{frag: frag, bundle: c.bundle}
				}
			}
		}
	}
	out := make(map[string][]metadata.JSON, len(picked))
	for inner, byID := range picked {
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		frags := make([]metadata.JSON, 0, len(ids))
		for _, id := range ids {
			frags = append(frags, byID[id].frag)
		}
		out[inner] = frags
	}
	return out
}

// newerPick orders bundles by version then UUID so cross-bundle merge
// results do not depend on read order.
func newerPick(a, b metadata.BundleFQID) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.UUID > b.UUID
}

func sameShape(a, b metadata.JSON) bool {
	if len(a) != len(b) {
		return false
	}
	keysOf := func(m metadata.JSON) []string {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	}
	return reflect.DeepEqual(keysOf(a), keysOf(b))
}

// CreateIndices idempotently creates the contribution and aggregate indices
// of every entity type in the catalog. Not part of the hot path.
func (s *Service) CreateIndices(ctx context.Context, catalog string) error {
	for _, name := range indexNames(catalog) {
		if err := s.store.CreateIndex(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// DeleteIndices idempotently removes the catalog's indices and all their
// documents.
func (s *Service) DeleteIndices(ctx context.Context, catalog string) error {
	for _, name := range indexNames(catalog) {
		if err := s.store.DeleteIndex(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func indexNames(catalog string) []string {
	var names []string
	for _, t := range metadata.AllEntityTypes() {
		names = append(names,
			metadata.ContributionIndexName(catalog, t),
			metadata.AggregateIndexName(catalog, t),
		)
	}
	return names
}
