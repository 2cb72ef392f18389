package room

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentjido/jido-messaging/internal/actor"
	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/pubsub"
	"github.com/agentjido/jido-messaging/internal/storage"
	"github.com/agentjido/jido-messaging/pkg/models"
)

// Manager starts room actors on demand and parks them on hibernation.
// At most one actor runs per room id.
type Manager struct {
	store   storage.Store
	hub     *pubsub.Hub
	opts    Options
	emitter *observability.Emitter
	logger  *slog.Logger
	table   *actor.Table[string, *Actor]
}

// NewManager builds a manager over the storage contract and pubsub hub.
func NewManager(store storage.Store, hub *pubsub.Hub, opts Options, emitter *observability.Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		hub:     hub,
		opts:    opts.sanitized(),
		emitter: emitter,
		logger:  logger.With("component", "room_manager"),
		table:   actor.NewTable[string, *Actor](),
	}
}

// Get returns the live actor for the room, starting one (and loading recent
// history) if none is running. The room must exist in storage.
func (m *Manager) Get(ctx context.Context, roomID string) (*Actor, error) {
	a, _, err := m.table.GetOrStart(roomID, func() (*Actor, error) {
		rm, err := m.store.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return Start(ctx, rm, m.store, m.hub, m.opts, m.emitter, m.logger, m.onPark)
	})
	return a, err
}

// Deliver adds a message to the room's actor, retrying once if the actor
// hibernated between lookup and call.
func (m *Manager) Deliver(ctx context.Context, msg *models.Message) error {
	for attempt := 0; attempt < 2; attempt++ {
		a, err := m.Get(ctx, msg.RoomID)
		if err != nil {
			return err
		}
		err = a.AddMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStopped) {
			return err
		}
		m.table.Remove(msg.RoomID)
	}
	return ErrStopped
}

// ActiveRooms reports how many room actors are live.
func (m *Manager) ActiveRooms() int { return m.table.Len() }

// Shutdown parks every live actor.
func (m *Manager) Shutdown() {
	m.table.Range(func(_ string, a *Actor) { a.Stop() })
}

func (m *Manager) onPark(a *Actor) {
	// Only unregister if the parked actor is still the registered one; a
	// replacement may already be running for the same room.
	if cur, ok := m.table.Get(a.RoomID()); ok && cur == a {
		m.table.Remove(a.RoomID())
	}
}
