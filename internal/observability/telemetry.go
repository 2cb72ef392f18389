package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventName identifies a telemetry event on the messaging event stream.
// Names are stable and consumed by external observers.
type EventName string

// Message events.
const (
	EventMessageReceived        EventName = "messaging.message.received"
	EventMessageSent            EventName = "messaging.message.sent"
	EventMessageFailed          EventName = "messaging.message.failed"
	EventMessageDelivered       EventName = "messaging.message.delivered"
	EventMessageRead            EventName = "messaging.message.read"
	EventMessageReactionAdded   EventName = "messaging.message.reaction_added"
	EventMessageReactionRemoved EventName = "messaging.message.reaction_removed"
)

// Participant events.
const (
	EventParticipantPresenceChanged EventName = "messaging.participant.presence_changed"
	EventParticipantTyping          EventName = "messaging.participant.typing"
)

// Thread events.
const (
	EventThreadCreated    EventName = "messaging.thread.created"
	EventThreadReplyAdded EventName = "messaging.thread.reply_added"
)

// Delivery events.
const (
	EventDeliveryQueued           EventName = "messaging.delivery.queued"
	EventDeliveryAttempt          EventName = "messaging.delivery.attempt"
	EventDeliveryRetryScheduled   EventName = "messaging.delivery.retry_scheduled"
	EventDeliveryGaveUp           EventName = "messaging.delivery.gave_up"
	EventDeliverySkippedDuplicate EventName = "messaging.delivery.skipped_duplicate"
)

// Instance lifecycle events.
const (
	EventInstanceStarted            EventName = "messaging.instance.started"
	EventInstanceConnecting         EventName = "messaging.instance.connecting"
	EventInstanceConnected          EventName = "messaging.instance.connected"
	EventInstanceDisconnected       EventName = "messaging.instance.disconnected"
	EventInstanceStopped            EventName = "messaging.instance.stopped"
	EventInstanceError              EventName = "messaging.instance.error"
	EventInstanceHealthProbe        EventName = "messaging.instance.health_probe"
	EventInstanceReconnectAttempt   EventName = "messaging.instance.reconnect_attempt"
	EventInstanceReconnectScheduled EventName = "messaging.instance.reconnect_scheduled"
	EventInstanceReconnectFailed    EventName = "messaging.instance.reconnect_failed"
	EventInstanceReconnectExhausted EventName = "messaging.instance.reconnect_exhausted"
)

// Agent events.
const (
	EventAgentTriggered EventName = "messaging.agent.triggered"
	EventAgentStarted   EventName = "messaging.agent.started"
	EventAgentCompleted EventName = "messaging.agent.completed"
	EventAgentFailed    EventName = "messaging.agent.failed"
)

// Registry, security, policy, dead-letter, and gateway events.
const (
	EventBridgeRegistryManifestLoad EventName = "messaging.bridge_registry.manifest.load"
	EventBridgeRegistryBootstrap    EventName = "messaging.bridge_registry.bootstrap"
	EventSecurityDecision           EventName = "messaging.security.decision"
	EventIngestPolicyDecision       EventName = "messaging.ingest.policy.decision"
	EventDeadLetterCaptured         EventName = "messaging.dead_letter.captured"
	EventDeadLetterReplayAttempt    EventName = "messaging.dead_letter.replay_attempt"
	EventDeadLetterReplayOutcome    EventName = "messaging.dead_letter.replay_outcome"
	EventGatewayPressure            EventName = "messaging.outbound_gateway.pressure"
)

// Event is one telemetry measurement with structured metadata.
type Event struct {
	Name          EventName      `json:"name"`
	RoomID        string         `json:"room_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Time          time.Time      `json:"time"`
}

// Signal is the CloudEvents-shaped dual of a telemetry event, published to
// in-process subscribers.
type Signal struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`   // "jido." + event name
	Source        string         `json:"source"` // "runtime/<instance>"
	Subject       string         `json:"subject,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlationid,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Time          time.Time      `json:"time"`
}

// MetricsSink receives every emitted event for metric aggregation.
type MetricsSink interface {
	Observe(Event)
}

// Emitter fans telemetry out to a metrics sink and to signal subscribers.
// Both paths are fire-and-forget: a slow subscriber loses signals rather
// than back-pressuring producers.
type Emitter struct {
	instance string
	source   string
	metrics  MetricsSink
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[int]chan Signal
	next int
}

// EmitterOption customizes an Emitter.
type EmitterOption func(*Emitter)

// WithMetricsSink attaches a metrics sink.
func WithMetricsSink(sink MetricsSink) EmitterOption {
	return func(e *Emitter) { e.metrics = sink }
}

// WithEmitterLogger attaches a logger for dropped-signal diagnostics.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger }
}

// NewEmitter creates an emitter for one runtime instance.
func NewEmitter(instanceID string, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		instance: instanceID,
		source:   "runtime/" + instanceID,
		subs:     make(map[int]chan Signal),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Instance returns the instance id the emitter was created for.
func (e *Emitter) Instance() string {
	return e.instance
}

// Emit publishes one event to both sinks. Never blocks.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if e.metrics != nil {
		e.metrics.Observe(ev)
	}

	sig := Signal{
		ID:            uuid.NewString(),
		Type:          "jido." + string(ev.Name),
		Source:        e.source,
		Subject:       ev.RoomID,
		Data:          ev.Data,
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
		Time:          ev.Time,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- sig:
		default:
			if e.logger != nil {
				e.logger.Debug("signal dropped, subscriber full", "type", sig.Type)
			}
		}
	}
}

// Subscribe registers a signal subscriber with a bounded buffer. The returned
// cancel func unregisters and closes the channel.
func (e *Emitter) Subscribe(buffer int) (<-chan Signal, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Signal, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}
