package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Index.BulkThreshold != 32 || cfg.Index.ParallelThreshold != 1024 {
		t.Errorf("write thresholds = %d/%d", cfg.Index.BulkThreshold, cfg.Index.ParallelThreshold)
	}
	if cfg.Kafka.Topics.Tallies == "" {
		t.Error("tally topic defaulted empty")
	}
	if len(cfg.Catalogs) == 0 {
		t.Fatal("no default catalog")
	}
	if _, err := cfg.Catalog(cfg.Catalogs[0].Name); err != nil {
		t.Errorf("default catalog lookup: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
postgres:
  host: db.internal
redis:
  markerTTL: 1h
index:
  bulkThreshold: 8
  parallelThreshold: 64
catalogs:
  - name: cat1
    plugin: repository
  - name: cat2
    plugin: repository
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("postgres host = %q", cfg.Postgres.Host)
	}
	if cfg.Redis.MarkerTTL != time.Hour {
		t.Errorf("marker ttl = %v", cfg.Redis.MarkerTTL)
	}
	if cfg.Index.BulkThreshold != 8 {
		t.Errorf("bulk threshold = %d", cfg.Index.BulkThreshold)
	}
	if len(cfg.Catalogs) != 2 {
		t.Errorf("catalogs = %v", cfg.Catalogs)
	}
	// Unset fields keep their defaults.
	if cfg.Postgres.Port != 5432 {
		t.Errorf("postgres port = %d", cfg.Postgres.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MI_POSTGRES_HOST", "env-host")
	t.Setenv("MI_KAFKA_BROKERS", "k1:9092,k2:9092")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Postgres.Host != "env-host" {
		t.Errorf("postgres host = %q", cfg.Postgres.Host)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestValidateRejectsDuplicateCatalogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
catalogs:
  - name: cat1
    plugin: repository
  - name: cat1
    plugin: repository
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for duplicate catalog names")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
index:
  bulkThreshold: 100
  parallelThreshold: 10
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for parallel threshold below bulk threshold")
	}
}
