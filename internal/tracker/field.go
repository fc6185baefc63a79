package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kimhsiao/changesync/internal/apperrors"
	"github.com/kimhsiao/changesync/internal/logging"
	"github.com/kimhsiao/changesync/internal/models"
	"github.com/kimhsiao/changesync/internal/storage"
)

// FieldTracker is the field-level change log. It mirrors ChangeTracker
// at the granularity of single named fields and adds the merge policy
// that reconciles client-submitted field writes against server state.
type FieldTracker struct {
	store    storage.Backend
	hub      *hub
	strategy models.MergeStrategy
}

// NewFieldTracker creates a FieldTracker over the given backend.
// An invalid or empty strategy falls back to last_write_wins.
func NewFieldTracker(store storage.Backend, strategy models.MergeStrategy, opts Options) *FieldTracker {
	if !strategy.Valid() {
		strategy = models.MergeLastWriteWins
	}
	return &FieldTracker{
		store:    store,
		hub:      newHub(opts.SubscriptionBuffer),
		strategy: strategy,
	}
}

// Strategy returns the configured merge strategy.
func (t *FieldTracker) Strategy() models.MergeStrategy {
	return t.strategy
}

// RecordFieldChange appends one field mutation and broadcasts it.
// Deleting a field is action=delete with a nil value; the field stays
// logically deleted until a later update re-establishes it.
func (t *FieldTracker) RecordFieldChange(ctx context.Context, entity, entityID, field string, value json.RawMessage, action models.Action, clientID string) (*models.FieldChangeEntry, error) {
	if entity == "" || entityID == "" || field == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity, entity_id and field are required")
	}
	if !action.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown action %q", action)
	}
	if len(value) > 0 && !json.Valid(value) {
		return nil, apperrors.New(apperrors.ErrSerialization, "value is not valid JSON")
	}

	entry := &models.FieldChangeEntry{
		Entity:    entity,
		EntityID:  entityID,
		Field:     field,
		Value:     value,
		Action:    action,
		ClientID:  clientID,
		CreatedAt: time.Now().Unix(),
	}
	if err := t.store.AppendFieldChange(ctx, entry); err != nil {
		return nil, err
	}

	t.hub.publish(Event{FieldChange: entry})

	logging.Debug("Recorded field change", map[string]interface{}{
		"entity":    entity,
		"entity_id": entityID,
		"field":     field,
		"action":    string(action),
		"version":   entry.Version,
	})
	return entry, nil
}

// GetFieldChangesSince returns all field changes with version > since.
func (t *FieldTracker) GetFieldChangesSince(ctx context.Context, entity string, since int64) ([]models.FieldChangeEntry, error) {
	return t.store.ListFieldChangesSince(ctx, entity, since)
}

// LatestVersion returns the highest field-level version for the entity.
func (t *FieldTracker) LatestVersion(ctx context.Context, entity string) (int64, error) {
	return t.store.MaxFieldVersion(ctx, entity)
}

// GetLatestFields returns the current value of every live field of one
// entity instance. Tombstoned fields are omitted.
func (t *FieldTracker) GetLatestFields(ctx context.Context, entity, entityID string) (map[string]json.RawMessage, error) {
	return t.store.LatestFields(ctx, entity, entityID)
}

// Subscribe attaches a new receiver to the tracker's broadcast hub.
func (t *FieldTracker) Subscribe(entities ...string) *Subscription {
	return t.hub.subscribe(entities...)
}

// SubscriberCount reports how many live subscriptions are attached.
func (t *FieldTracker) SubscriberCount() int {
	return t.hub.subscriberCount()
}

// CleanupOldEntries deletes field entries older than maxAgeDays.
func (t *FieldTracker) CleanupOldEntries(ctx context.Context, maxAgeDays int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Unix()
	count, err := t.store.DeleteFieldsOlderThan(ctx, "", cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("Cleaned up old field change entries", map[string]interface{}{
			"deleted":      count,
			"max_age_days": maxAgeDays,
		})
	}
	return count, nil
}

// MergeFieldChanges reconciles a batch of client field writes against
// server state. The decision runs once per field, never per entity: two
// fields of the same instance accept or reject independently.
//
// Per field:
//  1. no server value (never written or tombstoned) -> accept;
//  2. server timestamp <= client timestamp -> accept, client is not stale;
//  3. server strictly newer -> last_write_wins/server_wins reject
//     silently, client_wins accepts anyway, keep_both rejects and
//     reports a FieldConflict.
//
// Accepted values persist through RecordFieldChange, so every accepted
// merge is re-broadcast like any other change.
//
// A storage failure mid-batch returns the entries applied before the
// failure alongside the error; those rows are already persisted and
// broadcast, and the caller needs them to know which fields landed.
func (t *FieldTracker) MergeFieldChanges(ctx context.Context, entity, entityID string, changes []models.ClientFieldChange, clientID string) ([]models.FieldChangeEntry, []models.FieldConflict, error) {
	if entity == "" || entityID == "" {
		return nil, nil, apperrors.New(apperrors.ErrInvalid, "entity and entity_id are required")
	}

	applied := []models.FieldChangeEntry{}
	conflicts := []models.FieldConflict{}

	for _, change := range changes {
		if change.Field == "" {
			return applied, conflicts, apperrors.New(apperrors.ErrInvalid, "field is required")
		}
		action := change.Action
		if action == "" {
			action = models.ActionUpdate
		}

		server, err := t.store.LatestField(ctx, entity, entityID, change.Field)
		if err != nil {
			return applied, conflicts, err
		}

		accept := server == nil || server.CreatedAt <= change.Timestamp
		if !accept {
			switch t.strategy {
			case models.MergeClientWins:
				accept = true
			case models.MergeKeepBoth:
				conflicts = append(conflicts, models.FieldConflict{
					Entity:          entity,
					EntityID:        entityID,
					Field:           change.Field,
					ServerValue:     server.Value,
					ServerTimestamp: server.CreatedAt,
					ClientValue:     change.Value,
					ClientTimestamp: change.Timestamp,
					Resolution:      t.strategy,
				})
				logging.Info("Field conflict reported", map[string]interface{}{
					"entity":           entity,
					"entity_id":        entityID,
					"field":            change.Field,
					"server_timestamp": server.CreatedAt,
					"client_timestamp": change.Timestamp,
				})
				continue
			default:
				// last_write_wins / server_wins: the newer server value
				// stands and the stale client write is dropped silently.
				logging.Debug("Stale client field write rejected", map[string]interface{}{
					"entity":           entity,
					"entity_id":        entityID,
					"field":            change.Field,
					"server_timestamp": server.CreatedAt,
					"client_timestamp": change.Timestamp,
				})
				continue
			}
		}

		entry, err := t.RecordFieldChange(ctx, entity, entityID, change.Field, change.Value, action, clientID)
		if err != nil {
			return applied, conflicts, err
		}
		applied = append(applied, *entry)
	}

	return applied, conflicts, nil
}
