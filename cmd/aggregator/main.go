// The aggregator consumes tally events and rebuilds the canonical aggregate
// document of each referenced entity from a full read of its contributions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DataBiosphere/azul-sub001/internal/index"
	"github.com/DataBiosphere/azul-sub001/internal/ingest"
	"github.com/DataBiosphere/azul-sub001/internal/store"
	"github.com/DataBiosphere/azul-sub001/pkg/config"
	"github.com/DataBiosphere/azul-sub001/pkg/health"
	"github.com/DataBiosphere/azul-sub001/pkg/kafka"
	"github.com/DataBiosphere/azul-sub001/pkg/logger"
	"github.com/DataBiosphere/azul-sub001/pkg/metrics"
	"github.com/DataBiosphere/azul-sub001/pkg/postgres"
)

func main() {
	if err := run(); err != nil {
		slog.Error("aggregator exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("aggregator starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pg.Close()

	docStore, err := store.NewPostgres(ctx, pg)
	if err != nil {
		return fmt.Errorf("initializing document store: %w", err)
	}

	svc := index.New(docStore, cfg.Index, cfg.Catalogs, m)
	handler := ingest.NewTallyHandler(svc)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Tallies, handler.Handle)

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	stopHealth := health.StartServer(cfg.Health.Port, checker)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopHealth(ctx); err != nil {
			slog.Warn("health server shutdown failed", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		stopMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := stopMetrics(ctx); err != nil {
				slog.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}

	return consumer.Start(ctx)
}
