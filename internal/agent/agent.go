// Package agent implements the per-(room, agent) subscriber that watches a
// room's message stream and invokes an application handler when its trigger
// matches.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/pubsub"
	"github.com/agentjido/jido-messaging/pkg/models"
)

// TriggerKind selects when an agent fires.
type TriggerKind string

const (
	// TriggerAll fires on every non-self message.
	TriggerAll TriggerKind = "all"
	// TriggerMention fires when the text contains "@" + agent name.
	TriggerMention TriggerKind = "mention"
	// TriggerPrefix fires when the normalized text begins with the prefix.
	TriggerPrefix TriggerKind = "prefix"
)

// Trigger is an agent's activation rule.
type Trigger struct {
	Kind   TriggerKind
	Prefix string
}

// Matches reports whether the trigger fires for the message text.
func (t Trigger) Matches(agentName, text string) bool {
	switch t.Kind {
	case TriggerAll:
		return true
	case TriggerMention:
		return strings.Contains(text, "@"+agentName)
	case TriggerPrefix:
		return strings.HasPrefix(strings.TrimSpace(strings.ToLower(text)), strings.ToLower(t.Prefix))
	default:
		return false
	}
}

// Context is handed to the handler alongside the triggering message.
type Context struct {
	RoomID    string
	AgentID   string
	AgentName string
	Instance  string
}

// Result is a handler's decision.
type Result struct {
	// Reply, when true, emits Text as an assistant message replying to the
	// triggering message.
	Reply bool
	Text  string
}

// Reply builds a replying result.
func Reply(text string) Result { return Result{Reply: true, Text: text} }

// NoReply builds a silent result.
func NoReply() Result { return Result{} }

// Handler processes a triggering message.
type Handler func(ctx context.Context, msg *models.Message, actx Context) (Result, error)

// ReplySender delivers an agent's reply through the outbound pipeline. The
// runtime wires this to the outbound router.
type ReplySender interface {
	SendReply(ctx context.Context, msg *models.Message) error
}

// ReplySenderFunc adapts a function to ReplySender.
type ReplySenderFunc func(ctx context.Context, msg *models.Message) error

func (f ReplySenderFunc) SendReply(ctx context.Context, msg *models.Message) error {
	return f(ctx, msg)
}

// Config describes one agent subscription.
type Config struct {
	Name    string
	Trigger Trigger
	Handler Handler
}

// ErrNoHandler is returned when starting an agent without a handler.
var ErrNoHandler = errors.New("agent config requires a handler")

// resubscribeDelay is the pause before re-subscribing after the room topic
// drops the subscription.
const resubscribeDelay = 100 * time.Millisecond

// Actor is one live (room, agent) subscription.
type Actor struct {
	roomID  string
	agentID string
	cfg     Config
	hub     *pubsub.Hub
	sender  ReplySender
	emitter *observability.Emitter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// StartActor launches the subscription loop.
func StartActor(parent context.Context, roomID, agentID string, cfg Config, hub *pubsub.Hub, sender ReplySender, emitter *observability.Emitter, logger *slog.Logger) (*Actor, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	if cfg.Trigger.Kind == "" {
		cfg.Trigger.Kind = TriggerAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	a := &Actor{
		roomID:  roomID,
		agentID: agentID,
		cfg:     cfg,
		hub:     hub,
		sender:  sender,
		emitter: emitter,
		logger:  logger.With("component", "agent", "room_id", roomID, "agent_id", agentID),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Stop cancels the subscription and waits for the loop to exit.
func (a *Actor) Stop() {
	a.cancel()
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		sub := a.hub.Subscribe(a.roomID, 64)
		a.consume(sub)
		sub.Cancel()
		if a.ctx.Err() != nil {
			return
		}
		// The topic dropped us (channel closed); back off briefly and
		// re-subscribe.
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (a *Actor) consume(sub *pubsub.Subscription) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Kind != pubsub.MessageAdded && ev.Kind != pubsub.ThreadReplyAdded {
				continue
			}
			if ev.Message == nil {
				continue
			}
			a.handle(ev.Message)
		}
	}
}

func (a *Actor) handle(msg *models.Message) {
	if msg.SenderID == a.agentID {
		return
	}
	text := msg.TextContent()
	if !a.cfg.Trigger.Matches(a.cfg.Name, text) {
		return
	}

	a.emit(observability.EventAgentTriggered, msg, nil)
	a.emit(observability.EventAgentStarted, msg, nil)

	actx := Context{
		RoomID:    a.roomID,
		AgentID:   a.agentID,
		AgentName: a.cfg.Name,
		Instance:  a.instance(),
	}
	res, err := a.invoke(msg, actx)
	if err != nil {
		a.logger.Warn("agent handler failed", "message_id", msg.ID, "error", err)
		a.emit(observability.EventAgentFailed, msg, map[string]any{"reason": err.Error()})
		return
	}

	if res.Reply {
		reply := &models.Message{
			ID:        uuid.NewString(),
			RoomID:    a.roomID,
			SenderID:  a.agentID,
			Role:      models.RoleAssistant,
			Content:   []models.ContentBlock{models.TextBlock(res.Text)},
			ReplyToID: msg.ID,
			Status:    models.StatusSending,
			CreatedAt: time.Now(),
		}
		if a.sender != nil {
			if err := a.sender.SendReply(a.ctx, reply); err != nil {
				a.logger.Warn("agent reply delivery failed", "message_id", reply.ID, "error", err)
				a.emit(observability.EventAgentFailed, msg, map[string]any{"reason": err.Error()})
				return
			}
		}
	}
	a.emit(observability.EventAgentCompleted, msg, map[string]any{"replied": res.Reply})
}

// invoke shields the loop from handler panics.
func (a *Actor) invoke(msg *models.Message, actx Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("agent handler panicked")
		}
	}()
	return a.cfg.Handler(a.ctx, msg, actx)
}

func (a *Actor) instance() string {
	if a.emitter != nil {
		return a.emitter.Instance()
	}
	return ""
}

func (a *Actor) emit(name observability.EventName, msg *models.Message, data map[string]any) {
	if a.emitter == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["agent_id"] = a.agentID
	data["agent_name"] = a.cfg.Name
	a.emitter.Emit(observability.Event{
		Name:          name,
		RoomID:        a.roomID,
		CorrelationID: msg.ID,
		Data:          data,
	})
}
