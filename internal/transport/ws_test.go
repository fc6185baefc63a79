package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/changesync/internal/models"
)

func dialWS(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f))
}

// readRawFrame reads one frame along with its wire message type,
// transparently gunzipping binary frames.
func readRawFrame(t *testing.T, conn *websocket.Conn) (int, Frame) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	msgType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	if msgType == websocket.BinaryMessage {
		payload, err = decompressPayload(payload)
		require.NoError(t, err)
	}

	var f Frame
	require.NoError(t, json.Unmarshal(payload, &f))
	return msgType, f
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_, f := readRawFrame(t, conn)
	return f
}

func TestWSSubscribeReceivesBroadcast(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	sendFrame(t, conn, Frame{Type: FrameSubscribe, Entities: []string{"users"}, ClientID: "watcher"})
	ack := readFrame(t, conn)
	if ack.Type != FrameSubscribed {
		t.Fatalf("ack type = %q, want subscribed", ack.Type)
	}

	_, err := env.changes.RecordChange(context.Background(), "users", "1", models.ActionCreate, json.RawMessage(`{"name":"ada"}`), "c1")
	require.NoError(t, err)

	f := readFrame(t, conn)
	if f.Type != FrameChange {
		t.Fatalf("frame type = %q, want change", f.Type)
	}
	if f.Change == nil || f.Change.Version != 1 || f.Change.EntityID != "1" {
		t.Errorf("change = %+v, want version 1 for entity_id 1", f.Change)
	}
}

func TestWSSubscribeFiltersEntities(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	sendFrame(t, conn, Frame{Type: FrameSubscribe, Entities: []string{"users"}})
	readFrame(t, conn)

	ctx := context.Background()
	_, err := env.changes.RecordChange(ctx, "posts", "p1", models.ActionCreate, json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = env.changes.RecordChange(ctx, "users", "u1", models.ActionCreate, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	// The posts change must not arrive; the first frame is the users one.
	f := readFrame(t, conn)
	if f.Entity != "users" || f.Change == nil || f.Change.EntityID != "u1" {
		t.Errorf("frame = %+v, want the users change only", f)
	}
}

func TestWSPushRoundTrip(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	sendFrame(t, conn, Frame{
		Type:     FramePush,
		Entity:   "users",
		EntityID: "1",
		Action:   models.ActionCreate,
		Data:     json.RawMessage(`{"name":"ada"}`),
		ClientID: "c1",
	})

	f := readFrame(t, conn)
	if f.Type != FrameChange || f.Change == nil {
		t.Fatalf("frame = %+v, want a change ack", f)
	}
	if f.Change.Version != 1 || f.Change.ClientID != "c1" {
		t.Errorf("change = %+v, want version 1 from c1", f.Change)
	}

	// The push is durable, not just echoed.
	changes, err := env.changes.GetChangesSince(context.Background(), "users", 0)
	require.NoError(t, err)
	if len(changes) != 1 {
		t.Errorf("stored changes = %d, want 1", len(changes))
	}
}

func TestWSEchoSuppression(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	sendFrame(t, conn, Frame{Type: FrameSubscribe, Entities: []string{"users"}, ClientID: "me"})
	readFrame(t, conn)

	sendFrame(t, conn, Frame{Type: FramePush, Entity: "users", EntityID: "1", Action: models.ActionCreate, Data: json.RawMessage(`{}`)})
	ack := readFrame(t, conn)
	if ack.Type != FrameChange || ack.Change.Version != 1 {
		t.Fatalf("ack = %+v, want change ack at version 1", ack)
	}

	// The broadcast of our own push is suppressed, so the next frame is
	// the change recorded by another client.
	_, err := env.changes.RecordChange(context.Background(), "users", "2", models.ActionCreate, json.RawMessage(`{}`), "other")
	require.NoError(t, err)

	f := readFrame(t, conn)
	if f.Change == nil || f.Change.Version != 2 || f.Change.ClientID != "other" {
		t.Errorf("frame = %+v, want the version 2 change from other", f)
	}
}

func TestWSSyncUnknownEntity(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	sendFrame(t, conn, Frame{Type: FrameSync, Entity: "ghosts"})

	f := readFrame(t, conn)
	if f.Type != FrameSyncResult || f.Entity != "ghosts" {
		t.Fatalf("frame = %+v, want a sync_result for ghosts", f)
	}
	if f.Version != 0 || len(f.ChangeList) != 0 {
		t.Errorf("frame = %+v, want empty result at version 0", f)
	}
}

func TestWSCompressedOutbound(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 1)
	conn := dialWS(t, env.server, "/sync/ws")

	sendFrame(t, conn, Frame{Type: FrameSubscribe, Entities: []string{"users"}})
	msgType, ack := readRawFrame(t, conn)
	if msgType != websocket.BinaryMessage {
		t.Errorf("ack message type = %d, want binary with a 1-byte threshold", msgType)
	}
	if ack.Type != FrameSubscribed {
		t.Fatalf("ack type = %q, want subscribed", ack.Type)
	}

	_, err := env.changes.RecordChange(context.Background(), "users", "1", models.ActionCreate, json.RawMessage(`{"name":"ada"}`), "")
	require.NoError(t, err)

	msgType, f := readRawFrame(t, conn)
	if msgType != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", msgType)
	}
	if f.Type != FrameChange || f.Change == nil || string(f.Change.Data) != `{"name":"ada"}` {
		t.Errorf("frame = %+v, want the change with its payload intact", f)
	}
}

func TestWSCompressedInbound(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	raw, err := json.Marshal(Frame{
		Type:     FramePush,
		Entity:   "users",
		EntityID: "1",
		Action:   models.ActionCreate,
		Data:     json.RawMessage(`{"name":"ada"}`),
	})
	require.NoError(t, err)
	compressed, err := compressPayload(raw)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, compressed))

	f := readFrame(t, conn)
	if f.Type != FrameChange || f.Change == nil || f.Change.Version != 1 {
		t.Errorf("frame = %+v, want change ack at version 1", f)
	}
}

func TestWSMalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, conn)
	if f.Type != FrameError {
		t.Fatalf("frame type = %q, want error", f.Type)
	}

	// The connection survives the bad frame.
	sendFrame(t, conn, Frame{Type: FramePing})
	f = readFrame(t, conn)
	if f.Type != FramePong {
		t.Errorf("frame type = %q, want pong", f.Type)
	}
}

func TestWSUnknownFrameType(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	sendFrame(t, conn, Frame{Type: "teleport"})
	f := readFrame(t, conn)
	if f.Type != FrameError || !strings.Contains(f.Message, "teleport") {
		t.Errorf("frame = %+v, want an error naming the frame type", f)
	}
}

func TestWSSubscribeAfterCloseReleasesReceiver(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	// A subscribe frame can still be mid-dispatch while the session is
	// torn down by the other pump. The late subscription must be released,
	// not left attached to the hub.
	s := newSession(conn, 0)
	s.close()
	s.replaceSubscription(env.changes.Subscribe("users"))

	if n := env.changes.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count after session close = %d, want 0", n)
	}
}

func TestWSCloseReleasesCurrentSubscription(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/sync/ws")

	s := newSession(conn, 0)
	s.replaceSubscription(env.changes.Subscribe("users"))
	if n := env.changes.SubscriberCount(); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}

	s.close()
	if n := env.changes.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count after close = %d, want 0", n)
	}
}

func TestWSFieldMergeConflict(t *testing.T) {
	env := newTestEnv(t, models.MergeKeepBoth, 0)
	conn := dialWS(t, env.server, "/field-sync/ws")

	require.NoError(t, env.store.AppendFieldChange(context.Background(), &models.FieldChangeEntry{
		Entity: "users", EntityID: "1", Field: "name",
		Value: json.RawMessage(`"A"`), Action: models.ActionUpdate, CreatedAt: 200,
	}))

	sendFrame(t, conn, Frame{
		Type:     FramePushFields,
		Entity:   "users",
		EntityID: "1",
		FieldChanges: []models.ClientFieldChange{
			{Field: "name", Value: json.RawMessage(`"B"`), Action: models.ActionUpdate, Timestamp: 100},
			{Field: "email", Value: json.RawMessage(`"b@c"`), Action: models.ActionUpdate, Timestamp: 100},
		},
	})

	ack := readFrame(t, conn)
	if ack.Type != FramePushAck {
		t.Fatalf("frame type = %q, want push_ack", ack.Type)
	}
	if len(ack.Applied) != 1 || ack.Applied[0].Field != "email" {
		t.Errorf("applied = %+v, want only email", ack.Applied)
	}
	if len(ack.Conflicts) != 1 || ack.Conflicts[0].Field != "name" {
		t.Errorf("conflicts = %+v, want only name", ack.Conflicts)
	}

	// Each conflict is also delivered as its own frame.
	f := readFrame(t, conn)
	if f.Type != FrameConflict || f.Conflict == nil || f.Conflict.Field != "name" {
		t.Errorf("frame = %+v, want a conflict frame for name", f)
	}
}

func TestWSFieldSubscribeReceivesBroadcast(t *testing.T) {
	env := newTestEnv(t, models.MergeLastWriteWins, 0)
	conn := dialWS(t, env.server, "/field-sync/ws")

	sendFrame(t, conn, Frame{Type: FrameSubscribe, Entities: []string{"users"}})
	readFrame(t, conn)

	_, err := env.fields.RecordFieldChange(context.Background(), "users", "1", "name", json.RawMessage(`"ada"`), models.ActionUpdate, "c1")
	require.NoError(t, err)

	f := readFrame(t, conn)
	if f.Type != FrameFieldChange || f.FieldChange == nil {
		t.Fatalf("frame = %+v, want a field_change", f)
	}
	if f.FieldChange.Field != "name" || f.FieldChange.Version != 1 {
		t.Errorf("field change = %+v, want name at version 1", f.FieldChange)
	}
}
