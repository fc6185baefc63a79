// Package transport exposes the trackers over HTTP polling endpoints and
// WebSocket push connections.
package transport

import (
	"encoding/json"

	"github.com/kimhsiao/changesync/internal/models"
)

// WebSocket frame types, carried in the "type" field of every frame.
const (
	// client -> server
	FrameSubscribe  = "subscribe"
	FrameSync       = "sync"
	FramePush       = "push"
	FramePushFields = "push_fields"
	FramePing       = "ping"

	// server -> client
	FrameSubscribed  = "subscribed"
	FrameSyncResult  = "sync_result"
	FrameChange      = "change"
	FrameFieldChange = "field_change"
	FramePushAck     = "push_ack"
	FrameConflict    = "conflict"
	FrameError       = "error"
	FramePong        = "pong"
)

// Frame is the JSON envelope of every WebSocket message, inbound and
// outbound. Which fields are set depends on Type.
type Frame struct {
	Type     string `json:"type"`
	Entity   string `json:"entity,omitempty"`
	EntityID string `json:"entity_id,omitempty"`

	// subscribe
	Entities []string `json:"entities,omitempty"`
	ClientID string   `json:"client_id,omitempty"`

	// sync / sync_result
	Since   int64 `json:"since,omitempty"`
	Version int64 `json:"version,omitempty"`

	// push
	Action models.Action   `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	// push_fields
	FieldChanges []models.ClientFieldChange `json:"changes,omitempty"`

	// server -> client payloads
	Change       *models.ChangeLogEntry    `json:"change,omitempty"`
	FieldChange  *models.FieldChangeEntry  `json:"field_change,omitempty"`
	ChangeList   []models.ChangeLogEntry   `json:"change_list,omitempty"`
	FieldList    []models.FieldChangeEntry `json:"field_list,omitempty"`
	Applied      []models.FieldChangeEntry `json:"applied,omitempty"`
	Conflicts    []models.FieldConflict    `json:"conflicts,omitempty"`
	Conflict     *models.FieldConflict     `json:"conflict,omitempty"`
	Message      string                    `json:"message,omitempty"`
}

// errorFrame builds an error frame. The connection stays open; errors
// are scoped to the offending frame.
func errorFrame(message string) Frame {
	return Frame{Type: FrameError, Message: message}
}
