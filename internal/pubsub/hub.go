// Package pubsub is the in-process event hub keyed by room id. Room actors
// publish every mutation here; agent actors and observers subscribe. The hub
// sits between the two so neither holds a reference to the other.
package pubsub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentjido/jido-messaging/pkg/models"
)

// EventKind identifies a room event.
type EventKind string

const (
	MessageAdded      EventKind = "message_added"
	ParticipantJoined EventKind = "participant_joined"
	ParticipantLeft   EventKind = "participant_left"
	PresenceChanged   EventKind = "presence_changed"
	ReactionAdded     EventKind = "reaction_added"
	ReactionRemoved   EventKind = "reaction_removed"
	ReceiptUpdated    EventKind = "receipt_updated"
	TypingStarted     EventKind = "typing_started"
	TypingStopped     EventKind = "typing_stopped"
	ThreadCreated     EventKind = "thread_created"
	ThreadReplyAdded  EventKind = "thread_reply_added"
)

// Event is one structured room mutation.
type Event struct {
	Kind          EventKind
	RoomID        string
	Message       *models.Message
	ParticipantID string
	Reaction      string
	ThreadRootID  string
	Data          map[string]any
	Time          time.Time
}

// Subscription is one subscriber's handle on a room topic.
type Subscription struct {
	ch     chan Event
	cancel func()
	once   sync.Once
}

// C returns the subscriber's event channel. It is closed on Cancel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Hub fans room events out to per-room subscribers. Publish never blocks;
// a full subscriber loses events rather than stalling the room actor.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[int]chan Event
	next   int
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		topics: make(map[string]map[int]chan Event),
	}
}

// Subscribe registers a subscriber on the room's topic with a bounded
// buffer.
func (h *Hub) Subscribe(roomID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.topics[roomID] == nil {
		h.topics[roomID] = make(map[int]chan Event)
	}
	h.topics[roomID][id] = ch
	h.mu.Unlock()

	return &Subscription{
		ch: ch,
		cancel: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.topics[roomID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(h.topics, roomID)
				}
			}
		},
	}
}

// Publish delivers the event to every subscriber of its room topic.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.topics[ev.RoomID] {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("room event dropped, subscriber full",
				"room_id", ev.RoomID, "kind", string(ev.Kind))
		}
	}
}

// SubscriberCount reports the number of subscribers on a room topic.
func (h *Hub) SubscriberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[roomID])
}
