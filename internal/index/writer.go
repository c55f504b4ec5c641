package index

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	"github.com/DataBiosphere/azul-sub001/internal/store"
	"github.com/DataBiosphere/azul-sub001/pkg/config"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
	"github.com/DataBiosphere/azul-sub001/pkg/logger"
	"github.com/DataBiosphere/azul-sub001/pkg/metrics"
)

// Writer persists one batch of documents per Write call, tracking
// per-document conflict and error state across the retries of a single
// write session. The caller loops: Write, then Write again with Retries(),
// until the retry set is empty, then calls RaiseOnErrors.
type Writer struct {
	store   store.Store
	cfg     config.IndexConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// flipCreates enables the duplicate-notification recovery: a conflicting
	// create-only write is switched to overwrite and retried. Contribution
	// writers set this; aggregate writers must not, because a conflicting
	// aggregate has to be rebuilt from a fresh read, never overwritten.
	flipCreates bool

	conflicts   map[metadata.DocumentCoordinates]int
	errs        map[metadata.DocumentCoordinates]int
	pending     map[metadata.DocumentCoordinates]store.Op
	overwritten map[metadata.DocumentCoordinates]bool
	failed      map[metadata.DocumentCoordinates]store.Outcome
}

// NewWriter creates a write session. m may be nil.
func NewWriter(st store.Store, cfg config.IndexConfig, m *metrics.Metrics, flipCreates bool) *Writer {
	return &Writer{
		store:       st,
		cfg:         cfg,
		logger:      logger.WithComponent("index-writer"),
		metrics:     m,
		flipCreates: flipCreates,
		conflicts:   make(map[metadata.DocumentCoordinates]int),
		errs:        make(map[metadata.DocumentCoordinates]int),
		pending:     make(map[metadata.DocumentCoordinates]store.Op),
		overwritten: make(map[metadata.DocumentCoordinates]bool),
		failed:      make(map[metadata.DocumentCoordinates]store.Outcome),
	}
}

// Write persists the batch, choosing individual writes below the bulk
// threshold, one bulk call above it, and parallel bulk workers above the
// parallel threshold. The strategy never changes observable semantics. The
// returned error is transport-level only; per-document outcomes are tracked
// internally.
func (w *Writer) Write(ctx context.Context, ops []store.Op) error {
	w.pending = make(map[metadata.DocumentCoordinates]store.Op)
	byCoords := make(map[metadata.DocumentCoordinates]store.Op, len(ops))
	for _, op := range ops {
		byCoords[op.Coordinates] = op
	}

	var results []store.Result
	var err error
	switch {
	case len(ops) < w.cfg.BulkThreshold:
		results, err = w.writeIndividually(ctx, ops)
	case len(ops) < w.cfg.ParallelThreshold:
		results, err = w.store.Write(ctx, ops)
	default:
		results, err = w.writeParallel(ctx, ops)
	}
	if err != nil {
		return indexerr.Newf(indexerr.ErrStoreUnavailable, indexerr.Transient,
			"writing %d documents: %v", len(ops), err)
	}
	for _, res := range results {
		w.handle(res, byCoords[res.Coordinates])
	}
	return nil
}

func (w *Writer) writeIndividually(ctx context.Context, ops []store.Op) ([]store.Result, error) {
	results := make([]store.Result, 0, len(ops))
	for _, op := range ops {
		res, err := w.store.Write(ctx, []store.Op{op})
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	}
	return results, nil
}

func (w *Writer) writeParallel(ctx context.Context, ops []store.Op) ([]store.Result, error) {
	workers := w.cfg.ParallelWorkers
	if workers <= 0 {
		workers = 1
	}
	chunkSize := (len(ops) + workers - 1) / workers
	chunks := make([][]store.Result, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		lo := i * chunkSize
		if lo >= len(ops) {
			break
		}
		hi := min(lo+chunkSize, len(ops))
		g.Go(func() error {
			res, err := w.store.Write(gctx, ops[lo:hi])
			if err != nil {
				return err
			}
			chunks[lo/chunkSize] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var results []store.Result
	for _, chunk := range chunks {
		results = append(results, chunk...)
	}
	return results, nil
}

func (w *Writer) handle(res store.Result, op store.Op) {
	coords := res.Coordinates
	switch res.Outcome {
	case store.OK:
		delete(w.conflicts, coords)
		delete(w.errs, coords)
		delete(w.failed, coords)
	case store.Conflict:
		w.conflicts[coords]++
		if w.metrics != nil {
			w.metrics.WriteConflictsTotal.WithLabelValues(op.Kind.String()).Inc()
		}
		if w.flipCreates && op.Kind == metadata.CreateOnly {
			// A document already exists where none was expected: a
			// redelivered notification wrote it first. Recover by
			// overwriting.
			op.Kind = metadata.Overwrite
			w.overwritten[coords] = true
			w.pending[coords] = op
			w.logger.Debug("create conflict, flipping to overwrite", "doc", coords)
			return
		}
		if w.conflicts[coords] <= w.cfg.ConflictRetryLimit {
			w.pending[coords] = op
			if w.metrics != nil {
				w.metrics.WriteRetriesTotal.Inc()
			}
			w.logger.Debug("version conflict, will retry",
				"doc", coords, "attempt", w.conflicts[coords])
			return
		}
		w.failed[coords] = store.Conflict
		w.logger.Warn("version conflict, giving up",
			"doc", coords, "attempts", w.conflicts[coords])
	case store.Failed:
		w.errs[coords]++
		if w.metrics != nil {
			w.metrics.WriteErrorsTotal.Inc()
		}
		if w.errs[coords] <= w.cfg.ErrorRetryLimit {
			w.pending[coords] = op
			if w.metrics != nil {
				w.metrics.WriteRetriesTotal.Inc()
			}
			w.logger.Warn("store error, will retry",
				"doc", coords, "attempt", w.errs[coords], "error", res.Err)
			return
		}
		w.failed[coords] = store.Failed
		w.logger.Error("store error, giving up",
			"doc", coords, "attempts", w.errs[coords], "error", res.Err)
	}
}

// Retries returns the ops that need another Write pass, in deterministic
// order. Contribution ops that hit a create conflict come back with their
// kind flipped to overwrite.
func (w *Writer) Retries() []store.Op {
	ops := make([]store.Op, 0, len(w.pending))
	for _, op := range w.pending {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Coordinates.String() < ops[j].Coordinates.String()
	})
	return ops
}

// RetryCoordinates returns just the coordinates needing another pass, for
// callers that rebuild document bodies from a fresh read instead of
// resubmitting stale ones.
func (w *Writer) RetryCoordinates() []metadata.DocumentCoordinates {
	coords := make([]metadata.DocumentCoordinates, 0, len(w.pending))
	for c := range w.pending {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool {
		return coords[i].String() < coords[j].String()
	})
	return coords
}

// Overwritten reports whether the document at coords was recovered from a
// create conflict by switching to overwrite mode.
func (w *Writer) Overwritten(coords metadata.DocumentCoordinates) bool {
	return w.overwritten[coords]
}

// RaiseOnErrors returns a fatal error if any document could not be
// committed after the session's retries. The error reports distinct failing
// coordinates by outcome; the operation must be considered incomplete and is
// safe to redeliver.
func (w *Writer) RaiseOnErrors() error {
	if len(w.failed) == 0 {
		return nil
	}
	conflicts, errors := 0, 0
	for _, outcome := range w.failed {
		if outcome == store.Conflict {
			conflicts++
		} else {
			errors++
		}
	}
	kind := indexerr.Conflict
	sentinel := indexerr.ErrVersionConflict
	if errors > 0 {
		kind = indexerr.Transient
		sentinel = indexerr.ErrWritesFailed
	}
	return indexerr.Newf(sentinel, kind,
		"%d documents failed (%d conflicts, %d errors)",
		len(w.failed), conflicts, errors)
}
