// Package tracker provides the entity-level and field-level change
// trackers: versioned append-only logs with in-process broadcast fan-out.
package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kimhsiao/changesync/internal/logging"
	"github.com/kimhsiao/changesync/internal/models"
)

// defaultSubscriptionBuffer bounds a subscriber's queue when no explicit
// buffer size is configured.
const defaultSubscriptionBuffer = 64

// Event is one broadcast change, either entity grain or field grain.
// Exactly one of Change and FieldChange is set.
type Event struct {
	Change      *models.ChangeLogEntry
	FieldChange *models.FieldChangeEntry
}

// Entity returns the entity name the event belongs to.
func (e Event) Entity() string {
	if e.Change != nil {
		return e.Change.Entity
	}
	if e.FieldChange != nil {
		return e.FieldChange.Entity
	}
	return ""
}

// ClientID returns the originating client id, if any.
func (e Event) ClientID() string {
	if e.Change != nil {
		return e.Change.ClientID
	}
	if e.FieldChange != nil {
		return e.FieldChange.ClientID
	}
	return ""
}

// Subscription is a live receiver attached to a tracker's broadcast hub.
// It sees only changes recorded after it was created; catch up with a
// since-query first, then deduplicate by version.
type Subscription struct {
	id       string
	ch       chan Event
	entities map[string]bool
	hub      *hub
	dropped  atomic.Int64
	closed   atomic.Bool
}

// C returns the receive channel. It is closed when the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Matches reports whether the subscription wants events for the entity.
// A subscription created without an entity list matches everything.
func (s *Subscription) Matches(entity string) bool {
	if len(s.entities) == 0 {
		return true
	}
	return s.entities[entity]
}

// Dropped returns how many events were discarded because the
// subscriber's queue was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the hub and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.hub.unsubscribe(s.id)
	}
}

// hub is the publish/subscribe registry owned by one tracker instance.
// Delivery is non-blocking: a full subscriber queue drops the event for
// that subscriber without stalling the writer.
type hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

// subscribe registers a new receiver, optionally filtered to entities.
func (h *hub) subscribe(entities ...string) *Subscription {
	sub := &Subscription{
		id:  uuid.New().String(),
		ch:  make(chan Event, h.buffer),
		hub: h,
	}
	if len(entities) > 0 {
		sub.entities = make(map[string]bool, len(entities))
		for _, e := range entities {
			if e != "" {
				sub.entities[e] = true
			}
		}
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	total := len(h.subs)
	h.mu.Unlock()

	logging.Debug("Subscriber attached", map[string]interface{}{
		"subscription_id": sub.id,
		"total":           total,
	})
	return sub
}

// unsubscribe removes the receiver and closes its channel.
func (h *hub) unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if ok {
		close(sub.ch)
		logging.Debug("Subscriber detached", map[string]interface{}{
			"subscription_id": id,
			"dropped":         sub.Dropped(),
			"total":           total,
		})
	}
}

// publish delivers the event to every matching subscriber, dropping it
// for subscribers whose queue is full.
func (h *hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.Matches(ev.Entity()) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			logging.Warn("Subscriber queue full, dropping event", map[string]interface{}{
				"subscription_id": sub.id,
				"entity":          ev.Entity(),
				"dropped_total":   n,
			})
		}
	}
}

// subscriberCount reports how many receivers are attached.
func (h *hub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
