package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/DataBiosphere/azul-sub001/internal/index"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
	"github.com/DataBiosphere/azul-sub001/pkg/kafka"
	"github.com/DataBiosphere/azul-sub001/pkg/resilience"
)

// TallyHandler consumes tally events and rebuilds the referenced entity's
// aggregate. Aggregation is retried locally with backoff for transient and
// consistency failures; if the local budget runs out the message stays
// uncommitted and the queue redelivers it, by which time the lagging
// contribution read has usually caught up.
type TallyHandler struct {
	service *index.Service
	retry   resilience.RetryConfig
	timeout time.Duration
	logger  *slog.Logger
}

// NewTallyHandler creates a handler with the default retry budget.
func NewTallyHandler(svc *index.Service) *TallyHandler {
	return &TallyHandler{
		service: svc,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			IsRetryable:  indexerr.Retryable,
		},
		timeout: 2 * time.Minute,
		logger:  slog.Default().With("component", "tally-handler"),
	}
}

// Handle processes one tally event.
func (h *TallyHandler) Handle(ctx context.Context, key []byte, value []byte) error {
	event, err := kafka.DecodeJSON[TallyEvent](value)
	if err != nil {
		h.logger.Error("dropping undecodable tally event",
			"key", string(key), "error", err)
		return nil
	}
	ref, err := event.Reference()
	if err != nil {
		h.logger.Error("dropping tally event with invalid reference",
			"key", string(key), "error", err)
		return nil
	}

	tallies := index.Tallies{ref: event.Count}
	err = resilience.Retry(ctx, "aggregate", h.retry, func() error {
		return resilience.WithTimeout(ctx, h.timeout, "aggregate", func(ctx context.Context) error {
			return h.service.Aggregate(ctx, tallies)
		})
	})
	if err != nil {
		h.logger.Warn("aggregation failed, leaving tally for redelivery",
			"entity", ref.String(), "error", err)
		return err
	}
	h.logger.Debug("entity aggregated", "entity", ref.String())
	return nil
}
