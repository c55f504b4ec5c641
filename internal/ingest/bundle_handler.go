package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DataBiosphere/azul-sub001/internal/index"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
	"github.com/DataBiosphere/azul-sub001/pkg/kafka"
	"github.com/DataBiosphere/azul-sub001/pkg/logger"
	"github.com/DataBiosphere/azul-sub001/pkg/metrics"
	"github.com/DataBiosphere/azul-sub001/pkg/redis"
)

// BundleHandler consumes bundle notifications, runs transform+contribute,
// and publishes one tally event per affected entity. Aggregation happens in
// the tally consumer, decoupled so a slow aggregation never stalls ingestion.
type BundleHandler struct {
	service   *index.Service
	tallies   *kafka.Producer
	markers   *redis.Client
	markerTTL time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewBundleHandler creates a handler. markers may be nil to disable the
// duplicate check; m may be nil.
func NewBundleHandler(svc *index.Service, tallies *kafka.Producer, markers *redis.Client, markerTTL time.Duration, m *metrics.Metrics) *BundleHandler {
	return &BundleHandler{
		service:   svc,
		tallies:   tallies,
		markers:   markers,
		markerTTL: markerTTL,
		metrics:   m,
		logger:    slog.Default().With("component", "bundle-handler"),
	}
}

// Handle processes one bundle notification. Structural failures are logged
// and committed: redelivering malformed input cannot help, and one poisoned
// bundle must not block the partition. Everything else returns an error so
// the message stays uncommitted and comes back.
func (h *BundleHandler) Handle(ctx context.Context, key []byte, value []byte) error {
	event, err := kafka.DecodeJSON[BundleEvent](value)
	if err != nil {
		h.logger.Error("dropping undecodable bundle notification",
			"key", string(key), "error", err)
		return nil
	}
	ctx = logger.WithRequestID(ctx, uuid.NewString())
	log := logger.FromContext(ctx).With(
		"component", "bundle-handler",
		"catalog", event.Catalog,
		"bundle", event.Bundle.FQID.String(),
		"delete", event.Delete,
	)

	if h.seen(ctx, event) {
		if h.metrics != nil {
			h.metrics.DuplicateNotificationsTotal.Inc()
		}
		log.Info("skipping duplicate notification")
		return nil
	}

	var tallies index.Tallies
	if event.Delete {
		tallies, err = h.runDelete(ctx, event)
	} else {
		tallies, err = h.runIndex(ctx, event)
	}
	if err != nil {
		if indexerr.KindOf(err) == indexerr.Structural {
			log.Error("dropping structurally invalid bundle", "error", err)
			return nil
		}
		return err
	}

	if err := h.publishTallies(ctx, event.Catalog, tallies); err != nil {
		return err
	}

	// Mark only after the tallies are on the queue. A crash in between just
	// causes one redundant, idempotent redelivery.
	h.mark(ctx, event)
	if h.metrics != nil {
		action := "index"
		if event.Delete {
			action = "delete"
		}
		h.metrics.BundlesTotal.WithLabelValues(event.Catalog, action).Inc()
	}
	log.Info("bundle contributed", "entities", len(tallies))
	return nil
}

func (h *BundleHandler) runIndex(ctx context.Context, event BundleEvent) (index.Tallies, error) {
	contributions, err := h.service.Transform(event.Catalog, &event.Bundle, false)
	if err != nil {
		return nil, err
	}
	return h.service.Contribute(ctx, contributions)
}

func (h *BundleHandler) runDelete(ctx context.Context, event BundleEvent) (index.Tallies, error) {
	contributions, err := h.service.Transform(event.Catalog, &event.Bundle, true)
	if err != nil {
		return nil, err
	}
	return h.service.Contribute(ctx, contributions)
}

func (h *BundleHandler) publishTallies(ctx context.Context, catalog string, tallies index.Tallies) error {
	events := make([]kafka.Event, 0, len(tallies))
	for _, ref := range tallies.Entities() {
		te := TallyEvent{
			Catalog:    catalog,
			EntityType: ref.Type().String(),
			EntityID:   ref.Entity.ID,
			Count:      tallies[ref],
		}
		events = append(events, kafka.Event{Key: te.Key(), Value: te})
	}
	if err := h.tallies.PublishBatch(ctx, events); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.TalliesPublishedTotal.Add(float64(len(events)))
	}
	return nil
}

// seen and mark are best effort. A failing Redis degrades to processing
// every notification, which the idempotent pipeline absorbs.
func (h *BundleHandler) seen(ctx context.Context, event BundleEvent) bool {
	if h.markers == nil {
		return false
	}
	seen, err := h.markers.Seen(ctx, event.MarkerKey())
	if err != nil {
		h.logger.Warn("duplicate check failed, proceeding", "error", err)
		return false
	}
	return seen
}

func (h *BundleHandler) mark(ctx context.Context, event BundleEvent) {
	if h.markers == nil {
		return
	}
	if err := h.markers.Mark(ctx, event.MarkerKey(), h.markerTTL); err != nil {
		h.logger.Warn("marking notification failed", "error", err)
	}
}
