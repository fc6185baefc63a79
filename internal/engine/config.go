// Package engine wires the trackers, storage backend and transport layer
// into one mountable sync engine.
package engine

import (
	"os"
	"strconv"

	"github.com/kimhsiao/changesync/internal/models"
	"github.com/kimhsiao/changesync/internal/storage"
)

// Config controls how the engine is assembled.
type Config struct {
	// Storage selects and configures the persistence backend.
	Storage storage.Config

	// EnableFieldSync turns on the field-level tracker and its routes.
	EnableFieldSync bool

	// MergeStrategy is the reconciliation policy for client field writes.
	MergeStrategy models.MergeStrategy

	// CompressMinBytes is the WebSocket payload size above which frames
	// are gzipped. Zero means the transport default.
	CompressMinBytes int

	// SubscriptionBuffer bounds each broadcast subscriber's queue.
	// Zero means the tracker default.
	SubscriptionBuffer int

	// RetentionDays is how long change rows are kept before a Cleanup
	// sweep removes them. Zero disables sweeping.
	RetentionDays int
}

// DefaultConfig returns a config for an embedded store under dataDir
// with field sync enabled and last-write-wins merging.
func DefaultConfig(dataDir string) Config {
	return Config{
		Storage: storage.Config{
			Kind:    storage.KindSQLite,
			DataDir: dataDir,
		},
		EnableFieldSync: true,
		MergeStrategy:   models.MergeLastWriteWins,
		RetentionDays:   30,
	}
}

// ConfigFromEnv builds a Config from environment variables:
//
//	SYNC_BACKEND             sqlite (default) or postgres
//	DB_PATH                  data directory for the sqlite backend
//	POSTGRES_DSN             connection string for the postgres backend
//	SYNC_FIELD_SYNC          "false" disables field-level sync
//	SYNC_MERGE_STRATEGY      last_write_wins | server_wins | client_wins | keep_both
//	SYNC_COMPRESS_MIN_BYTES  websocket compression threshold
//	SYNC_BUFFER              per-subscriber queue size
//	SYNC_RETENTION_DAYS      change log retention, 0 disables sweeping
func ConfigFromEnv() Config {
	cfg := DefaultConfig(envOr("DB_PATH", "./data"))

	if backend := os.Getenv("SYNC_BACKEND"); backend != "" {
		cfg.Storage.Kind = storage.Kind(backend)
	}
	cfg.Storage.DSN = os.Getenv("POSTGRES_DSN")

	if os.Getenv("SYNC_FIELD_SYNC") == "false" {
		cfg.EnableFieldSync = false
	}
	if strategy := models.MergeStrategy(os.Getenv("SYNC_MERGE_STRATEGY")); strategy.Valid() {
		cfg.MergeStrategy = strategy
	}
	cfg.CompressMinBytes = envOrInt("SYNC_COMPRESS_MIN_BYTES", 0)
	cfg.SubscriptionBuffer = envOrInt("SYNC_BUFFER", 0)
	cfg.RetentionDays = envOrInt("SYNC_RETENTION_DAYS", cfg.RetentionDays)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
