// indexctl is the admin CLI: it manages catalog indices and can index or
// delete a single bundle synchronously, bypassing the queues. Useful for
// provisioning, backfills, and debugging.
//
// Usage:
//
//	indexctl -config dev.yaml create-indices <catalog>
//	indexctl -config dev.yaml delete-indices <catalog>
//	indexctl -config dev.yaml index <catalog> <bundle.json>
//	indexctl -config dev.yaml delete <catalog> <bundle.json>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DataBiosphere/azul-sub001/internal/index"
	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	"github.com/DataBiosphere/azul-sub001/internal/store"
	"github.com/DataBiosphere/azul-sub001/pkg/config"
	"github.com/DataBiosphere/azul-sub001/pkg/logger"
	"github.com/DataBiosphere/azul-sub001/pkg/metrics"
	"github.com/DataBiosphere/azul-sub001/pkg/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		return fmt.Errorf("usage: indexctl [-config file] <create-indices|delete-indices|index|delete> <catalog> [bundle.json]")
	}
	command, catalog := args[0], args[1]

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Setup(cfg.Logging.Level, "text")
	if _, err := cfg.Catalog(catalog); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pg.Close()

	docStore, err := store.NewPostgres(ctx, pg)
	if err != nil {
		return fmt.Errorf("initializing document store: %w", err)
	}
	svc := index.New(docStore, cfg.Index, cfg.Catalogs, metrics.New(prometheus.NewRegistry()))

	switch command {
	case "create-indices":
		if err := svc.CreateIndices(ctx, catalog); err != nil {
			return err
		}
		slog.Info("indices created", "catalog", catalog)
		return nil
	case "delete-indices":
		if err := svc.DeleteIndices(ctx, catalog); err != nil {
			return err
		}
		slog.Info("indices deleted", "catalog", catalog)
		return nil
	case "index", "delete":
		if len(args) < 3 {
			return fmt.Errorf("%s requires a bundle file", command)
		}
		bundle, err := loadBundle(args[2])
		if err != nil {
			return err
		}
		if command == "delete" {
			err = svc.Delete(ctx, catalog, bundle)
		} else {
			err = svc.Index(ctx, catalog, bundle)
		}
		if err != nil {
			return err
		}
		slog.Info("bundle processed",
			"command", command, "catalog", catalog, "bundle", bundle.FQID.String())
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func loadBundle(path string) (*metadata.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle file: %w", err)
	}
	var bundle metadata.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parsing bundle file %s: %w", path, err)
	}
	return &bundle, nil
}
