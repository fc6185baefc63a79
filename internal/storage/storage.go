// Package storage provides the persistence layer for the change log.
// Two interchangeable backends exist behind the Backend interface: an
// embedded SQLite store and a client/server PostgreSQL store. Callers
// above this package must not depend on which one is active.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/changesync/internal/models"
)

// Kind selects a concrete backend at startup.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// Config carries backend selection and connection settings.
type Config struct {
	Kind Kind

	// DataDir is the directory holding the SQLite database file.
	DataDir string

	// DSN is the PostgreSQL connection string.
	DSN string
}

// Backend executes the physical reads and writes of change log rows.
//
// Version allocation happens inside Append*: implementations must assign
// max(version for entity)+1 atomically with the insert, so concurrent
// writers to one entity can never duplicate or skip a version.
type Backend interface {
	// AppendChange inserts an entity-level row, filling ID, Version and
	// CreatedAt on the passed entry.
	AppendChange(ctx context.Context, entry *models.ChangeLogEntry) error

	// ListChangesSince returns rows with version > since for the entity,
	// ordered by (version, id) ascending. Rows whose payload cannot be
	// decoded are skipped with a warning, never an error.
	ListChangesSince(ctx context.Context, entity string, since int64) ([]models.ChangeLogEntry, error)

	// MaxVersion returns the highest version recorded for the entity,
	// 0 when the entity has no rows.
	MaxVersion(ctx context.Context, entity string) (int64, error)

	// DeleteOlderThan removes rows created before cutoff (unix seconds).
	// An empty entity matches all entities. Returns the deleted count.
	DeleteOlderThan(ctx context.Context, entity string, cutoff int64) (int64, error)

	// Field-grain counterparts of the four operations above.
	AppendFieldChange(ctx context.Context, entry *models.FieldChangeEntry) error
	ListFieldChangesSince(ctx context.Context, entity string, since int64) ([]models.FieldChangeEntry, error)
	MaxFieldVersion(ctx context.Context, entity string) (int64, error)
	DeleteFieldsOlderThan(ctx context.Context, entity string, cutoff int64) (int64, error)

	// LatestField returns the highest-id row for (entity, entityID, field),
	// or nil when the field was never written or its newest row is a
	// delete tombstone.
	LatestField(ctx context.Context, entity, entityID, field string) (*models.FieldChangeEntry, error)

	// LatestFields returns the current value of every live field of one
	// entity instance. Tombstoned fields are omitted.
	LatestFields(ctx context.Context, entity, entityID string) (map[string]json.RawMessage, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Open constructs the backend selected by cfg and ensures its schema.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Kind {
	case KindSQLite, "":
		return OpenSQLite(ctx, cfg.DataDir)
	case KindPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Kind)
	}
}
