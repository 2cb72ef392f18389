// Package runtime assembles one messaging instance: storage, the bridge
// registry, dedup, sessions, rooms, agents, the ingest pipeline, the
// outbound gateway, dead letters, the routing control plane, and the
// per-bridge lifecycle supervision tree.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentjido/jido-messaging/internal/actor"
	"github.com/agentjido/jido-messaging/internal/agent"
	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/bridge/manifest"
	"github.com/agentjido/jido-messaging/internal/deadletter"
	"github.com/agentjido/jido-messaging/internal/dedup"
	"github.com/agentjido/jido-messaging/internal/gateway"
	"github.com/agentjido/jido-messaging/internal/ingest"
	"github.com/agentjido/jido-messaging/internal/lifecycle"
	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/pubsub"
	"github.com/agentjido/jido-messaging/internal/room"
	"github.com/agentjido/jido-messaging/internal/routing"
	"github.com/agentjido/jido-messaging/internal/session"
	"github.com/agentjido/jido-messaging/internal/storage"
	"github.com/agentjido/jido-messaging/pkg/models"
)

// Options tunes one runtime instance. Zero values defer to each
// component's defaults.
type Options struct {
	InstanceID string

	Dedup      dedup.Options
	Session    session.Options
	Room       room.Options
	Ingest     ingest.Options
	Gateway    gateway.Options
	DeadLetter deadletter.Options
	Lifecycle  lifecycle.Options

	// Registry receives the instance's prometheus collectors; a private
	// registry is created when nil so two instances never collide.
	Registry prometheus.Registerer
	Logger   *slog.Logger
}

// Runtime is one fully wired messaging instance.
type Runtime struct {
	instanceID string
	logger     *slog.Logger

	store    storage.Store
	registry *manifest.Registry

	emitter  *observability.Emitter
	tracer   *observability.Tracer
	filter   *dedup.Filter
	sessions *session.Store
	hub      *pubsub.Hub
	rooms    *room.Manager
	agents   *agent.Manager
	pipeline *ingest.Pipeline
	gateway  *gateway.Gateway
	letters  *deadletter.Store
	configs  *routing.ConfigStore
	router   *routing.Router

	supervisor *actor.Supervisor

	mu         sync.Mutex
	lifecycles map[string]*lifecycle.Instance
	subtrees   map[string]*actor.Supervisor
	lcOpts     lifecycle.Options
}

// dispatchProxy breaks the gateway/dead-letter construction cycle: the
// dead-letter store is built first against the proxy, then the proxy is
// pointed at the finished gateway.
type dispatchProxy struct {
	mu     sync.RWMutex
	target deadletter.Dispatcher
}

func (p *dispatchProxy) set(d deadletter.Dispatcher) {
	p.mu.Lock()
	p.target = d
	p.mu.Unlock()
}

func (p *dispatchProxy) Dispatch(ctx context.Context, req gateway.Request) (*gateway.SuccessResponse, error) {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target == nil {
		return nil, errors.New("gateway not wired")
	}
	return target.Dispatch(ctx, req)
}

// New wires a runtime instance over the given storage and bridge registry.
func New(store storage.Store, registry *manifest.Registry, opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "default"
	}
	logger = logger.With("instance_id", opts.InstanceID)

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	emitter := observability.NewEmitter(opts.InstanceID,
		observability.WithMetricsSink(observability.NewMetrics(reg)),
		observability.WithEmitterLogger(logger))
	tracer := observability.NewTracer()

	r := &Runtime{
		instanceID: opts.InstanceID,
		logger:     logger.With("component", "runtime"),
		store:      store,
		registry:   registry,
		emitter:    emitter,
		tracer:     tracer,
		filter:     dedup.NewFilter(opts.Dedup),
		hub:        pubsub.NewHub(logger),
		lifecycles: make(map[string]*lifecycle.Instance),
		subtrees:   make(map[string]*actor.Supervisor),
		lcOpts:     opts.Lifecycle,
	}

	r.sessions = session.NewStore(opts.Session, logger)
	r.sessions.StartPruner()
	r.rooms = room.NewManager(store, r.hub, opts.Room, emitter, logger)

	proxy := &dispatchProxy{}
	r.letters = deadletter.NewStore(opts.DeadLetter, proxy, emitter, logger)
	r.gateway = gateway.New(opts.Gateway, r.resolveBridge, r.sessions, r.letters, emitter, tracer, logger)
	proxy.set(r.gateway)

	r.configs = routing.NewConfigStore(store, r.reconcile, logger)
	r.router = routing.NewRouter(store, r.configs, r.gateway, logger)
	r.pipeline = ingest.NewPipeline(opts.Ingest, store, r.filter, r.sessions, r.rooms, emitter, tracer, logger)
	r.agents = agent.NewManager(r.hub, agent.ReplySenderFunc(r.sendReply), emitter, logger)

	r.supervisor = actor.NewSupervisor(context.Background(),
		actor.WithIntensity(actor.DefaultIntensity()),
		actor.WithLogger(logger))

	return r
}

func (r *Runtime) resolveBridge(id string) (*bridge.Bridge, bool) {
	br := r.registry.Get(id)
	return br, br != nil
}

// reconcile reacts to accepted control-plane writes. Bridge lifecycles are
// manifest-owned; config changes only surface here for operators.
func (r *Runtime) reconcile(change routing.Change) {
	r.logger.Info("config change",
		"kind", change.Kind, "id", change.ID,
		"revision", change.Revision, "deleted", change.Deleted)
}

// StartBridge supervises a bridge's lifecycle and its adapter listeners
// under a dedicated subtree. A bridge crash-looping past the subtree's
// restart budget tears down that bridge only, not its siblings.
func (r *Runtime) StartBridge(id string, listenerOpts map[string]any) error {
	br, err := r.registry.MustGet(id)
	if err != nil {
		return err
	}

	lcOpts := r.lcOpts
	if lcOpts.QueueDepth == nil {
		lcOpts.QueueDepth = r.gateway.TotalQueueDepth
	}
	inst := lifecycle.NewInstance(id, br, lcOpts, r.emitter, r.logger)

	sub := actor.NewSupervisor(r.supervisor.Context(),
		actor.WithIntensity(actor.SubtreeIntensity()),
		actor.WithLogger(r.logger.With("bridge_id", id)),
		actor.WithOnEscalate(func() { r.escalateBridge(id) }))

	r.mu.Lock()
	if _, exists := r.lifecycles[id]; exists {
		r.mu.Unlock()
		sub.Stop()
		return fmt.Errorf("bridge %s already started", id)
	}
	r.lifecycles[id] = inst
	r.subtrees[id] = sub
	r.mu.Unlock()

	sub.StartChild(actor.ChildSpec{Name: "lifecycle:" + id, Run: inst.Run})

	specs, err := br.ListenerSpecs(r.instanceID, listenerOpts)
	if err != nil {
		return fmt.Errorf("listener specs for %s: %w", id, err)
	}
	for _, spec := range specs {
		sub.StartChild(actor.ChildSpec{Name: "listener:" + id + ":" + spec.Name, Run: spec.Run})
	}
	return nil
}

// escalateBridge surfaces a subtree teardown to operators.
func (r *Runtime) escalateBridge(id string) {
	r.logger.Error("bridge subtree escalated", "bridge_id", id)
	r.emitter.Emit(observability.Event{
		Name: observability.EventInstanceError,
		Data: map[string]any{
			"instance_id": id,
			"reason":      "restart_intensity_exceeded",
		},
	})
}

// BridgeStatus reports one bridge's lifecycle snapshot.
func (r *Runtime) BridgeStatus(id string) (lifecycle.Status, bool) {
	r.mu.Lock()
	inst, ok := r.lifecycles[id]
	r.mu.Unlock()
	if !ok {
		return lifecycle.Status{}, false
	}
	return inst.Status(), true
}

// Ingest runs one raw platform event through the inbound pipeline.
func (r *Runtime) Ingest(ctx context.Context, bridgeID string, raw any) (*ingest.Result, error) {
	br, err := r.registry.MustGet(bridgeID)
	if err != nil {
		return nil, err
	}
	return r.pipeline.IngestIncoming(ctx, br, raw)
}

// Send routes text to a room's outbound destinations per its policy.
func (r *Runtime) Send(ctx context.Context, roomID, text string, opts routing.SendOptions) (*routing.DeliveryReport, error) {
	return r.router.RouteOutbound(ctx, roomID, text, opts)
}

// StartAgent attaches an agent to a room.
func (r *Runtime) StartAgent(ctx context.Context, roomID, agentID string, cfg agent.Config) error {
	_, err := r.agents.StartAgent(ctx, roomID, agentID, cfg)
	return err
}

// StopAgent detaches an agent from a room.
func (r *Runtime) StopAgent(roomID, agentID string) bool {
	return r.agents.StopAgent(roomID, agentID)
}

// sendReply persists an agent reply, fans it into the room, and routes it
// outbound. The stored message picks up the platform id on delivery.
func (r *Runtime) sendReply(ctx context.Context, msg *models.Message) error {
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save reply: %w", err)
	}
	if err := r.rooms.Deliver(ctx, msg); err != nil {
		r.logger.Warn("reply fan-out failed", "message_id", msg.ID, "error", err)
	}

	opts := routing.SendOptions{MessageID: msg.ID, Priority: gateway.PriorityNormal}
	if msg.ReplyToID != "" {
		if orig, err := r.store.GetMessage(ctx, msg.ReplyToID); err == nil && orig.ExternalID != "" {
			opts.ReplyToExternalID = orig.ExternalID
		}
	}

	report, err := r.router.RouteOutbound(ctx, msg.RoomID, msg.TextContent(), opts)
	if err != nil {
		return err
	}
	if len(report.Delivered) > 0 {
		extID := report.Delivered[0].ExternalMessageID
		if err := r.store.UpdateMessageExternalID(ctx, msg.ID, extID); err != nil {
			r.logger.Warn("external id update failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// Accessors for the wired components.

func (r *Runtime) Rooms() *room.Manager           { return r.rooms }
func (r *Runtime) Agents() *agent.Manager         { return r.agents }
func (r *Runtime) Gateway() *gateway.Gateway      { return r.gateway }
func (r *Runtime) DeadLetters() *deadletter.Store { return r.letters }
func (r *Runtime) Configs() *routing.ConfigStore  { return r.configs }
func (r *Runtime) Router() *routing.Router        { return r.router }
func (r *Runtime) Emitter() *observability.Emitter { return r.emitter }
func (r *Runtime) Sessions() *session.Store       { return r.sessions }
func (r *Runtime) Hub() *pubsub.Hub               { return r.hub }

// Shutdown stops supervised children and drains every component.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	subs := make([]*actor.Supervisor, 0, len(r.subtrees))
	for _, sub := range r.subtrees {
		subs = append(subs, sub)
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Stop()
	}
	r.supervisor.Stop()
	r.agents.Shutdown()
	r.rooms.Shutdown()
	r.gateway.Close()
	r.letters.Close()
	r.sessions.Stop()
	r.logger.Info("runtime stopped")
}
