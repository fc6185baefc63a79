package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/changesync/internal/logging"
	"github.com/kimhsiao/changesync/internal/tracker"
)

const (
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	// sendBuffer bounds the per-connection outbound queue.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The engine is mounted behind an application-chosen prefix; origin
	// policy is the embedding application's concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one live WebSocket connection. Two goroutines run per
// session: readPump decodes inbound frames and dispatches them, and
// writePump drains the outbound queue. Either one terminating tears the
// whole session down, including its broadcast subscription.
type session struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	compressMin int

	mu       sync.Mutex
	clientID string
	sub      *tracker.Subscription
}

func newSession(conn *websocket.Conn, compressMin int) *session {
	return &session{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		compressMin: compressMin,
	}
}

// close tears the session down once: the broadcast subscription is
// released so the hub never leaks a receiver after disconnect.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		sub := s.sub
		s.sub = nil
		s.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		s.conn.Close()
	})
}

// setClientID remembers the client's self-reported id for echo suppression.
func (s *session) setClientID(id string) {
	s.mu.Lock()
	s.clientID = id
	s.mu.Unlock()
}

func (s *session) getClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// replaceSubscription swaps in a new broadcast subscription, releasing
// the previous one, and starts forwarding it to the socket. A session
// that is already closed releases the subscription instead of storing
// it; close() only sees the subscription installed at that moment, so a
// late install would leave a receiver in the hub forever.
func (s *session) replaceSubscription(sub *tracker.Subscription) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		sub.Close()
		return
	default:
	}
	old := s.sub
	s.sub = sub
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go s.forward(sub)
}

// forward drains one subscription into the outbound queue, skipping
// events that originated from this session's own client id.
func (s *session) forward(sub *tracker.Subscription) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if cid := ev.ClientID(); cid != "" && cid == s.getClientID() {
				continue
			}
			if ev.Change != nil {
				s.queue(Frame{Type: FrameChange, Entity: ev.Change.Entity, Change: ev.Change})
			} else if ev.FieldChange != nil {
				s.queue(Frame{Type: FrameFieldChange, Entity: ev.FieldChange.Entity, FieldChange: ev.FieldChange})
			}
		}
	}
}

// queue marshals a frame onto the outbound queue. A full queue means the
// client stopped draining; the session is closed rather than blocking
// the caller.
func (s *session) queue(f Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		logging.Error("Failed to marshal frame", err, map[string]interface{}{
			"session_id": s.id,
			"type":       f.Type,
		})
		return
	}
	select {
	case s.send <- payload:
	case <-s.done:
	default:
		logging.Warn("Send buffer full, closing connection", map[string]interface{}{
			"session_id": s.id,
		})
		s.close()
	}
}

// readPump pumps inbound frames to the dispatch function until the
// connection dies. Malformed frames earn an error frame, never a
// disconnect.
func (s *session) readPump(dispatch func(Frame)) {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{
					"session_id": s.id,
					"error":      err.Error(),
				})
			}
			return
		}

		// Binary frames carry a compressed payload.
		if msgType == websocket.BinaryMessage {
			payload, err = decompressPayload(payload)
			if err != nil {
				s.queue(errorFrame("invalid compressed frame"))
				continue
			}
		}

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			s.queue(errorFrame("malformed frame"))
			continue
		}
		dispatch(f)
	}
}

// writePump drains the outbound queue to the socket, compressing
// payloads above the configured threshold into binary frames, and keeps
// the connection alive with periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if len(payload) > s.compressMin {
				if compressed, err := compressPayload(payload); err == nil {
					payload = compressed
					msgType = websocket.BinaryMessage
				}
			}
			if err := s.conn.WriteMessage(msgType, payload); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleChangeWS serves GET /sync/ws.
func (h *Handler) handleChangeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	s := newSession(conn, h.compressMin)
	logging.Info("WebSocket client connected", map[string]interface{}{
		"session_id": s.id,
		"remote":     r.RemoteAddr,
	})

	go s.writePump()
	s.readPump(func(f Frame) { h.dispatchChange(s, f) })

	logging.Info("WebSocket client disconnected", map[string]interface{}{
		"session_id": s.id,
	})
}

// handleFieldWS serves GET /field-sync/ws.
func (h *Handler) handleFieldWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	s := newSession(conn, h.compressMin)
	logging.Info("Field WebSocket client connected", map[string]interface{}{
		"session_id": s.id,
		"remote":     r.RemoteAddr,
	})

	go s.writePump()
	s.readPump(func(f Frame) { h.dispatchField(s, f) })

	logging.Info("Field WebSocket client disconnected", map[string]interface{}{
		"session_id": s.id,
	})
}

// dispatchChange handles one inbound frame on an entity-level connection.
// The request context is gone once the handler parks in readPump, so
// tracker calls run on a background context.
func (h *Handler) dispatchChange(s *session, f Frame) {
	ctx := context.Background()

	switch f.Type {
	case FrameSubscribe:
		if f.ClientID != "" {
			s.setClientID(f.ClientID)
		}
		s.replaceSubscription(h.changes.Subscribe(f.Entities...))
		s.queue(Frame{Type: FrameSubscribed, Entities: f.Entities})

	case FrameSync:
		changes, err := h.changes.GetChangesSince(ctx, f.Entity, f.Since)
		if err != nil {
			s.queue(errorFrame(err.Error()))
			return
		}
		version, err := h.changes.LatestVersion(ctx, f.Entity)
		if err != nil {
			s.queue(errorFrame(err.Error()))
			return
		}
		s.queue(Frame{Type: FrameSyncResult, Entity: f.Entity, Version: version, ChangeList: changes})

	case FramePush:
		clientID := f.ClientID
		if clientID == "" {
			clientID = s.getClientID()
		}
		entry, err := h.changes.RecordChange(ctx, f.Entity, f.EntityID, f.Action, f.Data, clientID)
		if err != nil {
			s.queue(errorFrame(err.Error()))
			return
		}
		s.queue(Frame{Type: FrameChange, Entity: entry.Entity, Change: entry})

	case FramePing:
		s.queue(Frame{Type: FramePong})

	default:
		s.queue(errorFrame("unknown frame type " + f.Type))
	}
}

// dispatchField handles one inbound frame on a field-level connection.
func (h *Handler) dispatchField(s *session, f Frame) {
	ctx := context.Background()

	switch f.Type {
	case FrameSubscribe:
		if f.ClientID != "" {
			s.setClientID(f.ClientID)
		}
		s.replaceSubscription(h.fields.Subscribe(f.Entities...))
		s.queue(Frame{Type: FrameSubscribed, Entities: f.Entities})

	case FrameSync:
		changes, err := h.fields.GetFieldChangesSince(ctx, f.Entity, f.Since)
		if err != nil {
			s.queue(errorFrame(err.Error()))
			return
		}
		version, err := h.fields.LatestVersion(ctx, f.Entity)
		if err != nil {
			s.queue(errorFrame(err.Error()))
			return
		}
		s.queue(Frame{Type: FrameSyncResult, Entity: f.Entity, Version: version, FieldList: changes})

	case FramePushFields:
		clientID := f.ClientID
		if clientID == "" {
			clientID = s.getClientID()
		}
		applied, conflicts, err := h.fields.MergeFieldChanges(ctx, f.Entity, f.EntityID, f.FieldChanges, clientID)
		if err != nil {
			s.queue(errorFrame(err.Error()))
			return
		}
		s.queue(Frame{
			Type:      FramePushAck,
			Entity:    f.Entity,
			EntityID:  f.EntityID,
			Applied:   applied,
			Conflicts: conflicts,
		})
		for i := range conflicts {
			s.queue(Frame{Type: FrameConflict, Entity: f.Entity, EntityID: f.EntityID, Conflict: &conflicts[i]})
		}

	case FramePing:
		s.queue(Frame{Type: FramePong})

	default:
		s.queue(errorFrame("unknown frame type " + f.Type))
	}
}
