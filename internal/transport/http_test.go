package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/changesync/internal/models"
	"github.com/kimhsiao/changesync/internal/storage"
	"github.com/kimhsiao/changesync/internal/tracker"
)

type testEnv struct {
	server  *httptest.Server
	changes *tracker.ChangeTracker
	fields  *tracker.FieldTracker
	store   storage.Backend
}

func newTestEnv(t *testing.T, strategy models.MergeStrategy, compressMin int) *testEnv {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), t.TempDir())
	require.NoError(t, err)

	changes := tracker.NewChangeTracker(store, tracker.Options{})
	fields := tracker.NewFieldTracker(store, strategy, tracker.Options{})

	router := mux.NewRouter()
	NewHandler(changes, fields, compressMin).Register(router)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		store.Close()
	})
	return &testEnv{server: server, changes: changes, fields: fields, store: store}
}

func decodeBody(t *testing.T, res *http.Response, v interface{}) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

func TestGetChangesEmptyEntity(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)

	res, err := http.Get(env.server.URL + "/sync/users")
	require.NoError(t, err)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	var body struct {
		Entity  string                  `json:"entity"`
		Version int64                   `json:"version"`
		Changes []models.ChangeLogEntry `json:"changes"`
	}
	decodeBody(t, res, &body)

	if body.Entity != "users" || body.Version != 0 {
		t.Errorf("body = %+v, want entity users, version 0", body)
	}
	if body.Changes == nil || len(body.Changes) != 0 {
		t.Errorf("changes = %v, want empty array", body.Changes)
	}
}

func TestPostAndGetChanges(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)

	payload := `{"entity_id":"42","action":"create","data":{"name":"ada"},"client_id":"c1"}`
	res, err := http.Post(env.server.URL+"/sync/users", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", res.StatusCode)
	}

	var entry models.ChangeLogEntry
	decodeBody(t, res, &entry)
	if entry.Version != 1 || entry.EntityID != "42" {
		t.Errorf("entry = %+v, want version 1 for entity_id 42", entry)
	}

	res, err = http.Get(env.server.URL + "/sync/users?since=0")
	require.NoError(t, err)

	var body struct {
		Version int64                   `json:"version"`
		Changes []models.ChangeLogEntry `json:"changes"`
	}
	decodeBody(t, res, &body)
	if body.Version != 1 || len(body.Changes) != 1 {
		t.Errorf("body = %+v, want one change at version 1", body)
	}

	// since filters inclusively above the given version.
	res, err = http.Get(env.server.URL + "/sync/users?since=1")
	require.NoError(t, err)
	decodeBody(t, res, &body)
	if len(body.Changes) != 0 {
		t.Errorf("changes since 1 = %d, want 0", len(body.Changes))
	}
}

func TestPostChangeInvalidAction(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)

	payload := `{"entity_id":"42","action":"upsert"}`
	res, err := http.Post(env.server.URL+"/sync/users", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}

	var envlp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, res, &envlp)
	if envlp.Error.Code != "INVALID_INPUT" {
		t.Errorf("error code = %q, want INVALID_INPUT", envlp.Error.Code)
	}
}

func TestGetChangesBadSince(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)

	res, err := http.Get(env.server.URL + "/sync/users?since=abc")
	require.NoError(t, err)
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}
}

func TestPostFieldChangesMerge(t *testing.T) {
	env := newTestEnv(t, models.MergeKeepBoth, 0)
	ctx := context.Background()

	// Server already holds a newer write for "name".
	require.NoError(t, env.store.AppendFieldChange(ctx, &models.FieldChangeEntry{
		Entity: "users", EntityID: "1", Field: "name",
		Value: json.RawMessage(`"A"`), Action: models.ActionUpdate, CreatedAt: 200,
	}))

	payload := `{"entity_id":"1","changes":[
		{"field":"name","value":"B","action":"update","timestamp":100},
		{"field":"email","value":"b@c","action":"update","timestamp":100}
	]}`
	res, err := http.Post(env.server.URL+"/field-sync/users", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	var body struct {
		Applied   []models.FieldChangeEntry `json:"applied"`
		Conflicts []models.FieldConflict    `json:"conflicts"`
	}
	decodeBody(t, res, &body)

	if len(body.Applied) != 1 || body.Applied[0].Field != "email" {
		t.Errorf("applied = %+v, want only email", body.Applied)
	}
	if len(body.Conflicts) != 1 || body.Conflicts[0].Field != "name" {
		t.Errorf("conflicts = %+v, want only name", body.Conflicts)
	}
}

func TestGetLatestFields(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	ctx := context.Background()

	_, err := env.fields.RecordFieldChange(ctx, "users", "1", "name", json.RawMessage(`"ada"`), models.ActionUpdate, "")
	require.NoError(t, err)
	_, err = env.fields.RecordFieldChange(ctx, "users", "1", "email", json.RawMessage(`"a@b"`), models.ActionUpdate, "")
	require.NoError(t, err)
	_, err = env.fields.RecordFieldChange(ctx, "users", "1", "email", nil, models.ActionDelete, "")
	require.NoError(t, err)

	res, err := http.Get(env.server.URL + "/field-sync/users/1/latest")
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	decodeBody(t, res, &fields)

	if len(fields) != 1 || string(fields["name"]) != `"ada"` {
		t.Errorf("fields = %v, want only name=\"ada\"", fields)
	}
}

func TestClientLibraryEndpoints(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)

	for _, path := range []string{"/sync/client.js", "/field-sync/client.js"} {
		res, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		body := make([]byte, 16)
		n, _ := res.Body.Read(body)
		res.Body.Close()

		if res.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, res.StatusCode)
		}
		if ct := res.Header.Get("Content-Type"); ct != "application/javascript; charset=utf-8" {
			t.Errorf("%s content type = %q", path, ct)
		}
		if n == 0 {
			t.Errorf("%s returned an empty body", path)
		}
	}
}

func TestFieldRoutesAbsentWhenDisabled(t *testing.T) {
	store, err := storage.OpenSQLite(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := mux.NewRouter()
	NewHandler(tracker.NewChangeTracker(store, tracker.Options{}), nil, 0).Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	res, err := http.Get(fmt.Sprintf("%s/field-sync/users", server.URL))
	require.NoError(t, err)
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when field sync disabled", res.StatusCode)
	}
}
