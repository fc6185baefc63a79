package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kimhsiao/changesync/internal/apperrors"
	"github.com/kimhsiao/changesync/internal/logging"
	"github.com/kimhsiao/changesync/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS change_log (
	id BIGSERIAL PRIMARY KEY,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	data JSONB,
	version BIGINT NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	UNIQUE(entity, version)
);
CREATE INDEX IF NOT EXISTS idx_change_log_entity_version
	ON change_log(entity, version);
CREATE INDEX IF NOT EXISTS idx_change_log_created_at
	ON change_log(created_at);

CREATE TABLE IF NOT EXISTS field_change_log (
	id BIGSERIAL PRIMARY KEY,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	field TEXT NOT NULL,
	value JSONB,
	action TEXT NOT NULL,
	version BIGINT NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	UNIQUE(entity, version)
);
CREATE INDEX IF NOT EXISTS idx_field_change_log_entity_version
	ON field_change_log(entity, version);
CREATE INDEX IF NOT EXISTS idx_field_change_log_lookup
	ON field_change_log(entity, entity_id, field, id);
CREATE INDEX IF NOT EXISTS idx_field_change_log_created_at
	ON field_change_log(created_at);
`

// PostgresBackend is the client/server store, backed by a pgx pool.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database described by dsn and ensures the
// schema. Version allocation uses a per-entity advisory lock inside the
// inserting transaction, so concurrent writers on separate connections
// still allocate gap-free, duplicate-free versions.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "database unreachable", err)
	}

	b := &PostgresBackend{pool: pool}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// ensureSchema creates the tables and verifies the recorded schema version.
func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, postgresSchema); err != nil {
		return apperrors.Wrap(apperrors.ErrSchemaMismatch, "failed to create schema", err)
	}

	var version int
	err := b.pool.QueryRow(ctx, "SELECT version FROM schema_info LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := b.pool.Exec(ctx, "INSERT INTO schema_info (version) VALUES ($1)", schemaVersion); err != nil {
			return apperrors.Wrap(apperrors.ErrSchemaMismatch, "failed to record schema version", err)
		}
	case err != nil:
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read schema version", err)
	case version != schemaVersion:
		return apperrors.Newf(apperrors.ErrSchemaMismatch,
			"database schema version %d, this build supports %d", version, schemaVersion)
	}
	return nil
}

// appendLocked runs the version-allocating insert under a transaction-scoped
// advisory lock keyed by entity name.
func (b *PostgresBackend) appendLocked(ctx context.Context, entity, insert string, args []interface{}, id, version *int64) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", entity); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to lock entity", err)
	}
	if err := tx.QueryRow(ctx, insert, args...).Scan(id, version); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to append change", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to commit change", err)
	}
	return nil
}

// AppendChange inserts an entity-level row with atomic version allocation.
func (b *PostgresBackend) AppendChange(ctx context.Context, entry *models.ChangeLogEntry) error {
	query := `
	INSERT INTO change_log (entity, entity_id, action, data, version, client_id, created_at)
	SELECT $1, $2, $3, $4, COALESCE(MAX(version), 0) + 1, $5, $6
	FROM change_log WHERE entity = $1
	RETURNING id, version
	`
	args := []interface{}{entry.Entity, entry.EntityID, string(entry.Action),
		nullableJSON(entry.Data), entry.ClientID, entry.CreatedAt}
	return b.appendLocked(ctx, entry.Entity, query, args, &entry.ID, &entry.Version)
}

// ListChangesSince returns rows with version > since, ordered by (version, id).
func (b *PostgresBackend) ListChangesSince(ctx context.Context, entity string, since int64) ([]models.ChangeLogEntry, error) {
	query := `
	SELECT id, entity, entity_id, action, data, version, client_id, created_at
	FROM change_log
	WHERE entity = $1 AND version > $2
	ORDER BY version ASC, id ASC
	`
	rows, err := b.pool.Query(ctx, query, entity, since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to list changes", err)
	}
	defer rows.Close()

	entries := []models.ChangeLogEntry{}
	for rows.Next() {
		var (
			e    models.ChangeLogEntry
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Action, &data,
			&e.Version, &e.ClientID, &e.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to scan change row", err)
		}
		if len(data) > 0 && !json.Valid(data) {
			logging.Warn("Skipping corrupt change row", map[string]interface{}{
				"id":     e.ID,
				"entity": e.Entity,
			})
			continue
		}
		e.Data = json.RawMessage(data)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to iterate change rows", err)
	}
	return entries, nil
}

// MaxVersion returns the highest version for the entity, 0 when none.
func (b *PostgresBackend) MaxVersion(ctx context.Context, entity string) (int64, error) {
	var version int64
	err := b.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM change_log WHERE entity = $1", entity,
	).Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read max version", err)
	}
	return version, nil
}

// DeleteOlderThan removes entity-level rows created before cutoff.
func (b *PostgresBackend) DeleteOlderThan(ctx context.Context, entity string, cutoff int64) (int64, error) {
	return b.deleteOld(ctx, "change_log", entity, cutoff)
}

// AppendFieldChange inserts a field-level row with atomic version allocation.
func (b *PostgresBackend) AppendFieldChange(ctx context.Context, entry *models.FieldChangeEntry) error {
	query := `
	INSERT INTO field_change_log (entity, entity_id, field, value, action, version, client_id, created_at)
	SELECT $1, $2, $3, $4, $5, COALESCE(MAX(version), 0) + 1, $6, $7
	FROM field_change_log WHERE entity = $1
	RETURNING id, version
	`
	args := []interface{}{entry.Entity, entry.EntityID, entry.Field,
		nullableJSON(entry.Value), string(entry.Action), entry.ClientID, entry.CreatedAt}
	return b.appendLocked(ctx, entry.Entity, query, args, &entry.ID, &entry.Version)
}

// ListFieldChangesSince returns field rows with version > since.
func (b *PostgresBackend) ListFieldChangesSince(ctx context.Context, entity string, since int64) ([]models.FieldChangeEntry, error) {
	query := `
	SELECT id, entity, entity_id, field, value, action, version, client_id, created_at
	FROM field_change_log
	WHERE entity = $1 AND version > $2
	ORDER BY version ASC, id ASC
	`
	rows, err := b.pool.Query(ctx, query, entity, since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to list field changes", err)
	}
	defer rows.Close()

	entries := []models.FieldChangeEntry{}
	for rows.Next() {
		var (
			e    models.FieldChangeEntry
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Field, &data, &e.Action,
			&e.Version, &e.ClientID, &e.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to scan field row", err)
		}
		if len(data) > 0 && !json.Valid(data) {
			logging.Warn("Skipping corrupt field change row", map[string]interface{}{
				"id":     e.ID,
				"entity": e.Entity,
				"field":  e.Field,
			})
			continue
		}
		e.Value = json.RawMessage(data)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to iterate field rows", err)
	}
	return entries, nil
}

// MaxFieldVersion returns the highest field-level version for the entity.
func (b *PostgresBackend) MaxFieldVersion(ctx context.Context, entity string) (int64, error) {
	var version int64
	err := b.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM field_change_log WHERE entity = $1", entity,
	).Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read max field version", err)
	}
	return version, nil
}

// DeleteFieldsOlderThan removes field-level rows created before cutoff.
func (b *PostgresBackend) DeleteFieldsOlderThan(ctx context.Context, entity string, cutoff int64) (int64, error) {
	return b.deleteOld(ctx, "field_change_log", entity, cutoff)
}

// LatestField returns the newest row for the field, nil when the field
// was never written or is tombstoned.
func (b *PostgresBackend) LatestField(ctx context.Context, entity, entityID, field string) (*models.FieldChangeEntry, error) {
	query := `
	SELECT id, entity, entity_id, field, value, action, version, client_id, created_at
	FROM field_change_log
	WHERE entity = $1 AND entity_id = $2 AND field = $3
	ORDER BY id DESC LIMIT 1
	`
	var (
		e    models.FieldChangeEntry
		data []byte
	)
	err := b.pool.QueryRow(ctx, query, entity, entityID, field).Scan(
		&e.ID, &e.Entity, &e.EntityID, &e.Field, &data, &e.Action, &e.Version, &e.ClientID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read latest field", err)
	}
	if e.Action == models.ActionDelete {
		return nil, nil
	}
	e.Value = json.RawMessage(data)
	return &e, nil
}

// LatestFields returns the live fields of one entity instance.
func (b *PostgresBackend) LatestFields(ctx context.Context, entity, entityID string) (map[string]json.RawMessage, error) {
	query := `
	SELECT f.field, f.value, f.action
	FROM field_change_log f
	JOIN (
		SELECT field, MAX(id) AS max_id
		FROM field_change_log
		WHERE entity = $1 AND entity_id = $2
		GROUP BY field
	) m ON f.id = m.max_id
	`
	rows, err := b.pool.Query(ctx, query, entity, entityID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read latest fields", err)
	}
	defer rows.Close()

	fields := map[string]json.RawMessage{}
	for rows.Next() {
		var (
			field  string
			data   []byte
			action models.Action
		)
		if err := rows.Scan(&field, &data, &action); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to scan latest field row", err)
		}
		if action == models.ActionDelete {
			continue
		}
		fields[field] = json.RawMessage(data)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to iterate latest field rows", err)
	}
	return fields, nil
}

// Ping verifies the pool can reach the database.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "database unreachable", err)
	}
	return nil
}

// Close releases the connection pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func (b *PostgresBackend) deleteOld(ctx context.Context, table, entity string, cutoff int64) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if entity == "" {
		tag, err = b.pool.Exec(ctx, "DELETE FROM "+table+" WHERE created_at < $1", cutoff)
	} else {
		tag, err = b.pool.Exec(ctx, "DELETE FROM "+table+" WHERE entity = $1 AND created_at < $2", entity, cutoff)
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to delete old entries", err)
	}
	return tag.RowsAffected(), nil
}
