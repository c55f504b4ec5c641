// The indexer consumes bundle notifications, transforms them into
// contribution documents, writes the contributions, and publishes one tally
// event per affected entity for the aggregator to pick up.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
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
	"github.com/DataBiosphere/azul-sub001/pkg/redis"
)

func main() {
	if err := run(); err != nil {
		slog.Error("indexer exited with error", "error", err)
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
	slog.Info("indexer starting", "catalogs", len(cfg.Catalogs))

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

	// Redis only carries duplicate markers; run without it if unavailable.
	var markers *redis.Client
	if markers, err = redis.NewClient(cfg.Redis); err != nil {
		slog.Warn("redis unavailable, duplicate markers disabled", "error", err)
		markers = nil
	} else {
		defer markers.Close()
	}

	tallies := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Tallies)
	defer tallies.Close()

	svc := index.New(docStore, cfg.Index, cfg.Catalogs, m)
	handler := ingest.NewBundleHandler(svc, tallies, markers, cfg.Redis.MarkerTTL, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.BundleNotifications, handler.Handle)

	checker := health.NewChecker()
	checker.Register("postgres", postgresCheck(pg))
	checker.Register("kafka", kafkaCheck(cfg.Kafka.Brokers))
	if markers != nil {
		checker.Register("redis", redisCheck(markers))
	}
	stopHealth := health.StartServer(cfg.Health.Port, checker)
	defer shutdownQuietly(stopHealth, "health")

	if cfg.Metrics.Enabled {
		stopMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownQuietly(stopMetrics, "metrics")
	}

	return consumer.Start(ctx)
}

func postgresCheck(pg *postgres.Client) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := pg.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}

func redisCheck(markers *redis.Client) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := markers.Ping(ctx); err != nil {
			// Markers are best effort; a dead Redis degrades, never fails.
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}

func kafkaCheck(brokers []string) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if len(brokers) == 0 {
			return health.ComponentHealth{Status: health.StatusDown, Message: "no brokers configured"}
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		conn.Close()
		return health.ComponentHealth{Status: health.StatusUp}
	}
}

func shutdownQuietly(shutdown func(context.Context) error, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("server shutdown failed", "server", name, "error", err)
	}
}
