package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/changesync/internal/apperrors"
	"github.com/kimhsiao/changesync/internal/logging"
	"github.com/kimhsiao/changesync/internal/models"
	"github.com/kimhsiao/changesync/internal/tracker"
)

// Handler mounts the polling and WebSocket endpoints for one
// ChangeTracker and, optionally, one FieldTracker.
type Handler struct {
	changes     *tracker.ChangeTracker
	fields      *tracker.FieldTracker
	compressMin int
}

// NewHandler creates a transport handler. fields may be nil when
// field-level sync is disabled; its routes are then not registered.
// compressMin is the WebSocket payload size above which frames are
// gzipped; zero means the default of 1 KiB.
func NewHandler(changes *tracker.ChangeTracker, fields *tracker.FieldTracker, compressMin int) *Handler {
	if compressMin <= 0 {
		compressMin = DefaultCompressMinBytes
	}
	return &Handler{
		changes:     changes,
		fields:      fields,
		compressMin: compressMin,
	}
}

// Register mounts all routes on the router. Static and WebSocket paths
// are registered before the {entity} wildcards so they are not shadowed.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/sync/client.js", h.handleChangeClientJS).Methods(http.MethodGet)
	r.HandleFunc("/sync/ws", h.handleChangeWS).Methods(http.MethodGet)
	r.HandleFunc("/sync/{entity}", h.handleGetChanges).Methods(http.MethodGet)
	r.HandleFunc("/sync/{entity}", h.handlePostChange).Methods(http.MethodPost)

	if h.fields == nil {
		return
	}
	r.HandleFunc("/field-sync/client.js", h.handleFieldClientJS).Methods(http.MethodGet)
	r.HandleFunc("/field-sync/ws", h.handleFieldWS).Methods(http.MethodGet)
	r.HandleFunc("/field-sync/{entity}", h.handleGetFieldChanges).Methods(http.MethodGet)
	r.HandleFunc("/field-sync/{entity}", h.handlePostFieldChanges).Methods(http.MethodPost)
	r.HandleFunc("/field-sync/{entity}/{entity_id}/latest", h.handleLatestFields).Methods(http.MethodGet)
}

// changesResponse is the envelope of the polling endpoints.
type changesResponse struct {
	Entity  string      `json:"entity"`
	Version int64       `json:"version"`
	Changes interface{} `json:"changes"`
}

// pushRequest is the body of POST /sync/{entity}.
type pushRequest struct {
	EntityID string          `json:"entity_id"`
	Action   models.Action   `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
}

// pushFieldsRequest is the body of POST /field-sync/{entity}.
type pushFieldsRequest struct {
	EntityID string                     `json:"entity_id"`
	Changes  []models.ClientFieldChange `json:"changes"`
	ClientID string                     `json:"client_id,omitempty"`
}

// mergeResponse is the reply of POST /field-sync/{entity}.
type mergeResponse struct {
	Applied   []models.FieldChangeEntry `json:"applied"`
	Conflicts []models.FieldConflict    `json:"conflicts"`
}

// handleGetChanges serves GET /sync/{entity}?since=V.
func (h *Handler) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	since, ok := parseSince(w, r)
	if !ok {
		return
	}

	changes, err := h.changes.GetChangesSince(r.Context(), entity, since)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := h.changes.LatestVersion(r.Context(), entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changesResponse{Entity: entity, Version: version, Changes: changes})
}

// handlePostChange serves POST /sync/{entity}.
func (h *Handler) handlePostChange(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrSerialization, "malformed request body", err))
		return
	}

	entry, err := h.changes.RecordChange(r.Context(), entity, req.EntityID, req.Action, req.Data, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleGetFieldChanges serves GET /field-sync/{entity}?since=V.
func (h *Handler) handleGetFieldChanges(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	since, ok := parseSince(w, r)
	if !ok {
		return
	}

	changes, err := h.fields.GetFieldChangesSince(r.Context(), entity, since)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := h.fields.LatestVersion(r.Context(), entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changesResponse{Entity: entity, Version: version, Changes: changes})
}

// handlePostFieldChanges serves POST /field-sync/{entity}: the batch
// merge endpoint. Conflicts are data, not errors; the response is 200
// even when every change was rejected.
func (h *Handler) handlePostFieldChanges(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]

	var req pushFieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrSerialization, "malformed request body", err))
		return
	}

	applied, conflicts, err := h.fields.MergeFieldChanges(r.Context(), entity, req.EntityID, req.Changes, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mergeResponse{Applied: applied, Conflicts: conflicts})
}

// handleLatestFields serves GET /field-sync/{entity}/{entity_id}/latest.
func (h *Handler) handleLatestFields(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	fields, err := h.fields.GetLatestFields(r.Context(), vars["entity"], vars["entity_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

// parseSince reads the since query parameter, defaulting to 0.
func parseSince(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, true
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid since parameter %q", raw))
		return 0, false
	}
	return since, true
}

// errorEnvelope is the standard HTTP error body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForCode maps error codes to HTTP status codes.
func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrSerialization:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the standard error envelope for err.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		logging.Error("Request failed", err, map[string]interface{}{
			"code": string(code),
		})
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    string(code),
		Message: err.Error(),
	}})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}
