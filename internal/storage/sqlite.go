package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/changesync/internal/apperrors"
	"github.com/kimhsiao/changesync/internal/logging"
	"github.com/kimhsiao/changesync/internal/models"
)

// schemaVersion is the schema shape this build understands. A database
// reporting a different version fails Open with SCHEMA_MISMATCH.
const schemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	data TEXT,
	version INTEGER NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(entity, version)
);
CREATE INDEX IF NOT EXISTS idx_change_log_entity_version
	ON change_log(entity, version);
CREATE INDEX IF NOT EXISTS idx_change_log_created_at
	ON change_log(created_at);

CREATE TABLE IF NOT EXISTS field_change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT,
	action TEXT NOT NULL,
	version INTEGER NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(entity, version)
);
CREATE INDEX IF NOT EXISTS idx_field_change_log_entity_version
	ON field_change_log(entity, version);
CREATE INDEX IF NOT EXISTS idx_field_change_log_lookup
	ON field_change_log(entity, entity_id, field, id);
CREATE INDEX IF NOT EXISTS idx_field_change_log_created_at
	ON field_change_log(created_at);
`

// SQLiteBackend is the embedded, single-process store.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens the embedded store under dataDir and ensures its schema.
// The database is opened with WAL mode and a single connection; SQLite
// does not support concurrent writers, so the pool itself serializes the
// version-allocating inserts.
func OpenSQLite(ctx context.Context, dataDir string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "changesync.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to enable WAL mode", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to set busy timeout", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// ensureSchema creates the tables and verifies the recorded schema version.
func (b *SQLiteBackend) ensureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, sqliteSchema); err != nil {
		return apperrors.Wrap(apperrors.ErrSchemaMismatch, "failed to create schema", err)
	}

	var version int
	err := b.db.QueryRowContext(ctx, "SELECT version FROM schema_info LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := b.db.ExecContext(ctx, "INSERT INTO schema_info (version) VALUES (?)", schemaVersion); err != nil {
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

// AppendChange inserts an entity-level row, allocating the next version
// for the entity atomically with the insert.
func (b *SQLiteBackend) AppendChange(ctx context.Context, entry *models.ChangeLogEntry) error {
	query := `
	INSERT INTO change_log (entity, entity_id, action, data, version, client_id, created_at)
	SELECT ?, ?, ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?
	FROM change_log WHERE entity = ?
	RETURNING id, version
	`
	err := b.db.QueryRowContext(ctx, query,
		entry.Entity, entry.EntityID, entry.Action, nullableJSON(entry.Data),
		entry.ClientID, entry.CreatedAt, entry.Entity,
	).Scan(&entry.ID, &entry.Version)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to append change", err)
	}
	return nil
}

// ListChangesSince returns rows with version > since, ordered by (version, id).
func (b *SQLiteBackend) ListChangesSince(ctx context.Context, entity string, since int64) ([]models.ChangeLogEntry, error) {
	query := `
	SELECT id, entity, entity_id, action, data, version, client_id, created_at
	FROM change_log
	WHERE entity = ? AND version > ?
	ORDER BY version ASC, id ASC
	`
	rows, err := b.db.QueryContext(ctx, query, entity, since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to list changes", err)
	}
	defer rows.Close()

	return scanChangeRows(rows)
}

// MaxVersion returns the highest version for the entity, 0 when none.
func (b *SQLiteBackend) MaxVersion(ctx context.Context, entity string) (int64, error) {
	var version int64
	err := b.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM change_log WHERE entity = ?", entity,
	).Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read max version", err)
	}
	return version, nil
}

// DeleteOlderThan removes entity-level rows created before cutoff.
func (b *SQLiteBackend) DeleteOlderThan(ctx context.Context, entity string, cutoff int64) (int64, error) {
	return b.deleteOld(ctx, "change_log", entity, cutoff)
}

// AppendFieldChange inserts a field-level row with atomic version allocation.
func (b *SQLiteBackend) AppendFieldChange(ctx context.Context, entry *models.FieldChangeEntry) error {
	query := `
	INSERT INTO field_change_log (entity, entity_id, field, value, action, version, client_id, created_at)
	SELECT ?, ?, ?, ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?
	FROM field_change_log WHERE entity = ?
	RETURNING id, version
	`
	err := b.db.QueryRowContext(ctx, query,
		entry.Entity, entry.EntityID, entry.Field, nullableJSON(entry.Value), entry.Action,
		entry.ClientID, entry.CreatedAt, entry.Entity,
	).Scan(&entry.ID, &entry.Version)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to append field change", err)
	}
	return nil
}

// ListFieldChangesSince returns field rows with version > since.
func (b *SQLiteBackend) ListFieldChangesSince(ctx context.Context, entity string, since int64) ([]models.FieldChangeEntry, error) {
	query := `
	SELECT id, entity, entity_id, field, value, action, version, client_id, created_at
	FROM field_change_log
	WHERE entity = ? AND version > ?
	ORDER BY version ASC, id ASC
	`
	rows, err := b.db.QueryContext(ctx, query, entity, since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to list field changes", err)
	}
	defer rows.Close()

	return scanFieldRows(rows)
}

// MaxFieldVersion returns the highest field-level version for the entity.
func (b *SQLiteBackend) MaxFieldVersion(ctx context.Context, entity string) (int64, error) {
	var version int64
	err := b.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM field_change_log WHERE entity = ?", entity,
	).Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read max field version", err)
	}
	return version, nil
}

// DeleteFieldsOlderThan removes field-level rows created before cutoff.
func (b *SQLiteBackend) DeleteFieldsOlderThan(ctx context.Context, entity string, cutoff int64) (int64, error) {
	return b.deleteOld(ctx, "field_change_log", entity, cutoff)
}

// LatestField returns the newest row for the field, nil when the field
// was never written or is tombstoned.
func (b *SQLiteBackend) LatestField(ctx context.Context, entity, entityID, field string) (*models.FieldChangeEntry, error) {
	query := `
	SELECT id, entity, entity_id, field, value, action, version, client_id, created_at
	FROM field_change_log
	WHERE entity = ? AND entity_id = ? AND field = ?
	ORDER BY id DESC LIMIT 1
	`
	var (
		e    models.FieldChangeEntry
		data []byte
	)
	err := b.db.QueryRowContext(ctx, query, entity, entityID, field).Scan(
		&e.ID, &e.Entity, &e.EntityID, &e.Field, &data, &e.Action, &e.Version, &e.ClientID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
func (b *SQLiteBackend) LatestFields(ctx context.Context, entity, entityID string) (map[string]json.RawMessage, error) {
	query := `
	SELECT f.field, f.value, f.action
	FROM field_change_log f
	JOIN (
		SELECT field, MAX(id) AS max_id
		FROM field_change_log
		WHERE entity = ? AND entity_id = ?
		GROUP BY field
	) m ON f.id = m.max_id
	`
	rows, err := b.db.QueryContext(ctx, query, entity, entityID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read latest fields", err)
	}
	defer rows.Close()

	return collectLatestFields(rows)
}

// Ping verifies the database file is still reachable.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "database unreachable", err)
	}
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) deleteOld(ctx context.Context, table, entity string, cutoff int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if entity == "" {
		res, err = b.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", table), cutoff)
	} else {
		res, err = b.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE entity = ? AND created_at < ?", table), entity, cutoff)
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to delete old entries", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to count deleted entries", err)
	}
	return count, nil
}

// nullableJSON maps an absent payload to a SQL NULL.
func nullableJSON(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

// scanChangeRows collects entity-level rows, skipping corrupt payloads.
func scanChangeRows(rows *sql.Rows) ([]models.ChangeLogEntry, error) {
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

// scanFieldRows collects field-level rows, skipping corrupt payloads.
func scanFieldRows(rows *sql.Rows) ([]models.FieldChangeEntry, error) {
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

// collectLatestFields builds the field -> value map, dropping tombstones.
func collectLatestFields(rows *sql.Rows) (map[string]json.RawMessage, error) {
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
