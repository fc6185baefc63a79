package transport

import (
	_ "embed"
	"net/http"
)

//go:embed assets/sync-client.js
var syncClientJS []byte

//go:embed assets/field-sync-client.js
var fieldSyncClientJS []byte

// handleChangeClientJS serves the browser client library for entity sync.
func (h *Handler) handleChangeClientJS(w http.ResponseWriter, r *http.Request) {
	serveJS(w, syncClientJS)
}

// handleFieldClientJS serves the browser client library for field sync.
func (h *Handler) handleFieldClientJS(w http.ResponseWriter, r *http.Request) {
	serveJS(w, fieldSyncClientJS)
}

func serveJS(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(body)
}
