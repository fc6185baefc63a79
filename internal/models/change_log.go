// Package models provides data model definitions for the change-sync engine.
package models

import (
	"encoding/json"
	"time"
)

// Action identifies the kind of mutation a log entry records.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of the known kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ChangeLogEntry tracks one entity-level mutation for incremental sync.
// Version is strictly increasing per Entity; ID breaks ties within a version.
// Data is an opaque JSON payload and may be nil for deletes.
type ChangeLogEntry struct {
	ID        int64           `db:"id" json:"id"`
	Entity    string          `db:"entity" json:"entity"`
	EntityID  string          `db:"entity_id" json:"entity_id"`
	Action    Action          `db:"action" json:"action"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	Version   int64           `db:"version" json:"version"`
	ClientID  string          `db:"client_id" json:"client_id,omitempty"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for ChangeLogEntry.
func (ChangeLogEntry) TableName() string {
	return "change_log"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (e *ChangeLogEntry) CreatedAtTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}
