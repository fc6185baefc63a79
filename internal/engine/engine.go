package engine

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/changesync/internal/logging"
	"github.com/kimhsiao/changesync/internal/storage"
	"github.com/kimhsiao/changesync/internal/tracker"
	"github.com/kimhsiao/changesync/internal/transport"
)

// SyncEngine is the composition root: one ChangeTracker and, when
// enabled, one FieldTracker over a single shared storage backend, plus
// the transport routes that expose them. It carries no business logic
// of its own.
type SyncEngine struct {
	store   storage.Backend
	changes *tracker.ChangeTracker
	fields  *tracker.FieldTracker
	router  *mux.Router
}

// Open opens the configured storage backend and assembles the engine.
func Open(ctx context.Context, cfg Config) (*SyncEngine, error) {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	return New(store, cfg), nil
}

// New assembles the engine over an already-open backend. The caller
// keeps ownership of nothing: Close releases the backend.
func New(store storage.Backend, cfg Config) *SyncEngine {
	opts := tracker.Options{SubscriptionBuffer: cfg.SubscriptionBuffer}

	e := &SyncEngine{
		store:   store,
		changes: tracker.NewChangeTracker(store, opts),
	}
	if cfg.EnableFieldSync {
		e.fields = tracker.NewFieldTracker(store, cfg.MergeStrategy, opts)
	}

	handler := transport.NewHandler(e.changes, e.fields, cfg.CompressMinBytes)
	e.router = mux.NewRouter()
	e.router.HandleFunc("/healthz", e.handleHealthz).Methods(http.MethodGet)
	handler.Register(e.router)

	logging.Info("Sync engine assembled", map[string]interface{}{
		"backend":    string(cfg.Storage.Kind),
		"field_sync": cfg.EnableFieldSync,
	})
	return e
}

// ChangeTracker returns the entity-level tracker for programmatic use.
func (e *SyncEngine) ChangeTracker() *tracker.ChangeTracker {
	return e.changes
}

// FieldTracker returns the field-level tracker, or nil when field sync
// is disabled.
func (e *SyncEngine) FieldTracker() *tracker.FieldTracker {
	return e.fields
}

// Routes returns the mountable route table. Mount it under any prefix:
//
//	http.Handle("/api/", http.StripPrefix("/api", engine.Routes()))
func (e *SyncEngine) Routes() *mux.Router {
	return e.router
}

// Cleanup runs the retention sweep of both trackers and returns the
// total number of deleted rows. Intended to run on a periodic external
// trigger; re-running is harmless.
func (e *SyncEngine) Cleanup(ctx context.Context, maxAgeDays int) (int64, error) {
	total, err := e.changes.CleanupOldEntries(ctx, maxAgeDays)
	if err != nil {
		return total, err
	}
	if e.fields != nil {
		count, err := e.fields.CleanupOldEntries(ctx, maxAgeDays)
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close releases the storage backend.
func (e *SyncEngine) Close() error {
	return e.store.Close()
}

// handleHealthz reports whether the storage backend is reachable.
func (e *SyncEngine) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := e.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}
