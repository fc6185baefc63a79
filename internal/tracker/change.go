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

// Options tunes a tracker instance.
type Options struct {
	// SubscriptionBuffer bounds each subscriber's queue. Zero means the
	// default of 64.
	SubscriptionBuffer int
}

// ChangeTracker is the entity-level change log: one row per
// create/update/delete with a monotonic per-entity version, plus
// in-process broadcast fan-out to live subscribers.
type ChangeTracker struct {
	store storage.Backend
	hub   *hub
}

// NewChangeTracker creates a ChangeTracker over the given backend.
func NewChangeTracker(store storage.Backend, opts Options) *ChangeTracker {
	return &ChangeTracker{
		store: store,
		hub:   newHub(opts.SubscriptionBuffer),
	}
}

// RecordChange appends one mutation to the log and broadcasts it to all
// current subscribers. The broadcast is best-effort and never fails the
// writer; a failed storage write propagates to the caller unretried.
func (t *ChangeTracker) RecordChange(ctx context.Context, entity, entityID string, action models.Action, data json.RawMessage, clientID string) (*models.ChangeLogEntry, error) {
	if entity == "" || entityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity and entity_id are required")
	}
	if !action.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown action %q", action)
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, apperrors.New(apperrors.ErrSerialization, "data is not valid JSON")
	}

	entry := &models.ChangeLogEntry{
		Entity:    entity,
		EntityID:  entityID,
		Action:    action,
		Data:      data,
		ClientID:  clientID,
		CreatedAt: time.Now().Unix(),
	}
	if err := t.store.AppendChange(ctx, entry); err != nil {
		return nil, err
	}

	t.hub.publish(Event{Change: entry})

	logging.Debug("Recorded change", map[string]interface{}{
		"entity":    entity,
		"entity_id": entityID,
		"action":    string(action),
		"version":   entry.Version,
	})
	return entry, nil
}

// GetChangesSince returns all changes with version > since for the
// entity, ascending. An entity that was never written yields an empty
// slice, not an error.
func (t *ChangeTracker) GetChangesSince(ctx context.Context, entity string, since int64) ([]models.ChangeLogEntry, error) {
	return t.store.ListChangesSince(ctx, entity, since)
}

// LatestVersion returns the highest version recorded for the entity.
func (t *ChangeTracker) LatestVersion(ctx context.Context, entity string) (int64, error) {
	return t.store.MaxVersion(ctx, entity)
}

// Subscribe attaches a new receiver to the tracker's broadcast hub,
// optionally filtered to the given entities. The subscription sees only
// changes recorded after it was created.
func (t *ChangeTracker) Subscribe(entities ...string) *Subscription {
	return t.hub.subscribe(entities...)
}

// SubscriberCount reports how many live subscriptions are attached.
func (t *ChangeTracker) SubscriberCount() int {
	return t.hub.subscriberCount()
}

// CleanupOldEntries deletes entries older than maxAgeDays and returns
// the deleted count. Safe to re-run; a second sweep deletes nothing.
func (t *ChangeTracker) CleanupOldEntries(ctx context.Context, maxAgeDays int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Unix()
	count, err := t.store.DeleteOlderThan(ctx, "", cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("Cleaned up old change entries", map[string]interface{}{
			"deleted":      count,
			"max_age_days": maxAgeDays,
		})
	}
	return count, nil
}
