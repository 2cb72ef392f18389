package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentjido/jido-messaging/internal/actor"
	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/pubsub"
)

// ErrAlreadyStarted is returned when a (room, agent) pair is already live.
var ErrAlreadyStarted = errors.New("agent already started for room")

type key struct {
	roomID  string
	agentID string
}

// Manager tracks live agent subscriptions, at most one per (room, agent).
type Manager struct {
	hub     *pubsub.Hub
	sender  ReplySender
	emitter *observability.Emitter
	logger  *slog.Logger
	table   *actor.Table[key, *Actor]
}

// NewManager builds an agent manager.
func NewManager(hub *pubsub.Hub, sender ReplySender, emitter *observability.Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hub:     hub,
		sender:  sender,
		emitter: emitter,
		logger:  logger,
		table:   actor.NewTable[key, *Actor](),
	}
}

// StartAgent subscribes the agent to the room's message stream.
func (m *Manager) StartAgent(ctx context.Context, roomID, agentID string, cfg Config) (*Actor, error) {
	k := key{roomID: roomID, agentID: agentID}
	a, created, err := m.table.GetOrStart(k, func() (*Actor, error) {
		return StartActor(ctx, roomID, agentID, cfg, m.hub, m.sender, m.emitter, m.logger)
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return a, ErrAlreadyStarted
	}
	return a, nil
}

// StopAgent cancels the subscription for the pair, if live.
func (m *Manager) StopAgent(roomID, agentID string) bool {
	k := key{roomID: roomID, agentID: agentID}
	a, ok := m.table.Get(k)
	if !ok {
		return false
	}
	m.table.Remove(k)
	a.Stop()
	return true
}

// ActiveAgents reports the number of live subscriptions.
func (m *Manager) ActiveAgents() int { return m.table.Len() }

// Shutdown stops every live agent.
func (m *Manager) Shutdown() {
	var all []*Actor
	m.table.Range(func(_ key, a *Actor) { all = append(all, a) })
	for _, a := range all {
		a.Stop()
	}
}
