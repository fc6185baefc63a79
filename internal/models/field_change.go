package models

import (
	"encoding/json"
	"time"
)

// FieldChangeEntry tracks one mutation of a single named field of one
// entity instance. A delete row is a tombstone: the field stays logically
// deleted until a later update row re-establishes it.
type FieldChangeEntry struct {
	ID        int64           `db:"id" json:"id"`
	Entity    string          `db:"entity" json:"entity"`
	EntityID  string          `db:"entity_id" json:"entity_id"`
	Field     string          `db:"field" json:"field"`
	Value     json.RawMessage `db:"value" json:"value,omitempty"`
	Action    Action          `db:"action" json:"action"`
	Version   int64           `db:"version" json:"version"`
	ClientID  string          `db:"client_id" json:"client_id,omitempty"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for FieldChangeEntry.
func (FieldChangeEntry) TableName() string {
	return "field_change_log"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (e *FieldChangeEntry) CreatedAtTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// ClientFieldChange is one field mutation submitted by a client for
// reconciliation against server state.
type ClientFieldChange struct {
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value,omitempty"`
	Action    Action          `json:"action"`
	Timestamp int64           `json:"timestamp"`
}

// FieldConflict records a rejected client write under the keep_both
// strategy so the caller can surface both values out-of-band.
// It is returned as data and never persisted.
type FieldConflict struct {
	Entity          string          `json:"entity"`
	EntityID        string          `json:"entity_id"`
	Field           string          `json:"field"`
	ServerValue     json.RawMessage `json:"server_value,omitempty"`
	ServerTimestamp int64           `json:"server_timestamp"`
	ClientValue     json.RawMessage `json:"client_value,omitempty"`
	ClientTimestamp int64           `json:"client_timestamp"`
	Resolution      MergeStrategy   `json:"resolution"`
}
