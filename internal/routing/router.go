package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/gateway"
	"github.com/agentjido/jido-messaging/internal/storage"
	"github.com/agentjido/jido-messaging/pkg/models"
)

// Dispatcher delivers one outbound request. The outbound gateway
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req gateway.Request) (*gateway.SuccessResponse, error)
}

// SendOptions tunes one routed send.
type SendOptions struct {
	// ForceBridgeID overrides bridge resolution for every binding.
	ForceBridgeID string
	// MessageID is the internal message id, carried for idempotency and
	// telemetry.
	MessageID string
	// IdempotencyKey overrides the per-route idempotency key base;
	// MessageID is used when empty.
	IdempotencyKey string
	Priority       gateway.Priority

	ThreadID          string
	ReplyToExternalID string
	Metadata          map[string]any
}

// Attempt records one route's outcome.
type Attempt struct {
	Route             models.Route
	ExternalMessageID string
	Err               error
}

// DeliveryReport summarizes one routed send.
type DeliveryReport struct {
	RoomID    string
	Policy    models.RoutingPolicy
	Attempted int
	Delivered []Attempt
	Failed    []Attempt
}

// DeliveryFailedError means no candidate route delivered.
type DeliveryFailedError struct {
	Report *DeliveryReport
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery failed for room %s: %d attempted, %d failed",
		e.Report.RoomID, e.Report.Attempted, len(e.Report.Failed))
}

// NoRoutesError means the room has no outbound-eligible enabled bindings.
type NoRoutesError struct {
	RoomID string
}

func (e *NoRoutesError) Error() string {
	return fmt.Sprintf("no outbound routes for room %s", e.RoomID)
}

// Router resolves a room's candidate routes from bindings, bridge configs,
// and the room's routing policy, then dispatches through the gateway.
type Router struct {
	rooms      storage.RoomStore
	configs    *ConfigStore
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewRouter builds an outbound router.
func NewRouter(rooms storage.RoomStore, configs *ConfigStore, dispatcher Dispatcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		rooms:      rooms,
		configs:    configs,
		dispatcher: dispatcher,
		logger:     logger.With("component", "outbound_router"),
	}
}

// defaultPolicy applies when a room has no stored routing policy.
func defaultPolicy(roomID string) models.RoutingPolicy {
	return models.RoutingPolicy{
		RoomID:         roomID,
		DeliveryMode:   models.DeliverBestEffort,
		FailoverPolicy: models.FailoverNextAvailable,
		DedupeScope:    models.DedupeMessageID,
	}
}

// RouteOutbound sends text to every route the room's policy selects.
func (r *Router) RouteOutbound(ctx context.Context, roomID, text string, opts SendOptions) (*DeliveryReport, error) {
	bindings, err := r.rooms.ListRoomBindings(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}

	configs, err := r.configs.ListBridgeConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bridge configs: %w", err)
	}
	enabled := make(map[string]*models.BridgeConfig, len(configs))
	for _, cfg := range configs {
		if cfg.Enabled {
			enabled[cfg.ID] = cfg
		}
	}

	policy := defaultPolicy(roomID)
	if stored, err := r.configs.GetRoutingPolicy(ctx, roomID); err == nil {
		policy = *stored
	}

	routes := r.buildRoutes(bindings, enabled, policy, opts)
	if len(routes) == 0 {
		return nil, &NoRoutesError{RoomID: roomID}
	}

	report := &DeliveryReport{RoomID: roomID, Policy: policy}
	if policy.DeliveryMode == models.DeliverBroadcast {
		r.dispatchBroadcast(ctx, routes, text, opts, report)
	} else {
		r.dispatchSequential(ctx, routes, text, opts, report)
	}

	if len(report.Delivered) == 0 {
		return report, &DeliveryFailedError{Report: report}
	}
	return report, nil
}

// buildRoutes resolves one candidate route per outbound-eligible binding
// and orders them by the policy's fallback order.
func (r *Router) buildRoutes(bindings []*models.RoomBinding, enabled map[string]*models.BridgeConfig, policy models.RoutingPolicy, opts SendOptions) []models.Route {
	routes := make([]models.Route, 0, len(bindings))
	for _, b := range bindings {
		if !b.Enabled || !b.Direction.OutboundEligible() {
			continue
		}
		bridgeID, ok := r.resolveBridge(b, enabled, policy, opts)
		if !ok {
			r.logger.Warn("no enabled bridge for binding", "binding_id", b.ID, "channel", string(b.Channel))
			continue
		}
		routes = append(routes, models.Route{
			BridgeID:       bridgeID,
			Channel:        b.Channel,
			ExternalRoomID: b.ExternalRoomID,
			ThreadID:       opts.ThreadID,
		})
	}

	if len(policy.FallbackOrder) > 0 {
		rank := make(map[string]int, len(policy.FallbackOrder))
		for i, id := range policy.FallbackOrder {
			rank[id] = i
		}
		sort.SliceStable(routes, func(i, j int) bool {
			ri, iOK := rank[routes[i].BridgeID]
			rj, jOK := rank[routes[j].BridgeID]
			switch {
			case iOK && jOK:
				return ri < rj
			case iOK:
				return true
			default:
				return false
			}
		})
	}
	return routes
}

// resolveBridge picks the bridge for one binding: forced id, the binding's
// own bridge, the policy fallback order, then the first enabled config on
// the binding's channel sorted by id for determinism.
func (r *Router) resolveBridge(b *models.RoomBinding, enabled map[string]*models.BridgeConfig, policy models.RoutingPolicy, opts SendOptions) (string, bool) {
	if opts.ForceBridgeID != "" {
		if _, ok := enabled[opts.ForceBridgeID]; ok {
			return opts.ForceBridgeID, true
		}
		return "", false
	}
	if _, ok := enabled[b.BridgeID]; ok {
		return b.BridgeID, true
	}
	for _, id := range policy.FallbackOrder {
		if _, ok := enabled[id]; ok {
			return id, true
		}
	}

	ids := make([]string, 0, len(enabled))
	for id := range enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if channelOf(enabled[id]) == b.Channel {
			return id, true
		}
	}
	return "", false
}

// channelOf reads the adapter channel a config serves from its opts;
// adapters record it at registration time.
func channelOf(cfg *models.BridgeConfig) models.ChannelType {
	if cfg.Opts != nil {
		if ch, ok := cfg.Opts["channel"].(string); ok {
			return models.ChannelType(ch)
		}
	}
	return ""
}

func (r *Router) dispatchSequential(ctx context.Context, routes []models.Route, text string, opts SendOptions, report *DeliveryReport) {
	for _, route := range routes {
		report.Attempted++
		res, err := r.dispatchOne(ctx, route, text, opts)
		if err == nil {
			report.Delivered = append(report.Delivered, Attempt{Route: route, ExternalMessageID: res.ExternalMessageID})
			return
		}
		report.Failed = append(report.Failed, Attempt{Route: route, Err: err})
		if report.Policy.FailoverPolicy != models.FailoverNextAvailable {
			return
		}
	}
}

func (r *Router) dispatchBroadcast(ctx context.Context, routes []models.Route, text string, opts SendOptions, report *DeliveryReport) {
	type outcome struct {
		attempt Attempt
		ok      bool
	}
	results := make([]outcome, len(routes))

	var wg sync.WaitGroup
	for i, route := range routes {
		wg.Add(1)
		go func(i int, route models.Route) {
			defer wg.Done()
			res, err := r.dispatchOne(ctx, route, text, opts)
			if err == nil {
				results[i] = outcome{attempt: Attempt{Route: route, ExternalMessageID: res.ExternalMessageID}, ok: true}
				return
			}
			results[i] = outcome{attempt: Attempt{Route: route, Err: err}}
		}(i, route)
	}
	wg.Wait()

	report.Attempted = len(routes)
	for _, out := range results {
		if out.ok {
			report.Delivered = append(report.Delivered, out.attempt)
		} else {
			report.Failed = append(report.Failed, out.attempt)
		}
	}
}

func (r *Router) dispatchOne(ctx context.Context, route models.Route, text string, opts SendOptions) (*gateway.SuccessResponse, error) {
	idem := opts.IdempotencyKey
	if idem == "" {
		idem = opts.MessageID
	}
	if idem != "" {
		// Scope the key per route so a broadcast is not collapsed by the
		// partition idempotency cache.
		idem += "@" + route.RoutingKey()
	}

	return r.dispatcher.Dispatch(ctx, gateway.Request{
		Operation: gateway.OpSendMessage,
		Route:     route,
		SessionKey: models.SessionKey{
			ChannelType: route.Channel,
			BridgeID:    route.BridgeID,
			RoomScope:   route.ExternalRoomID,
			ThreadID:    opts.ThreadID,
		},
		Text:           text,
		IdempotencyKey: idem,
		Priority:       opts.Priority,
		MessageID:      opts.MessageID,
		Opts: bridge.SendOptions{
			ReplyToExternalID: opts.ReplyToExternalID,
			ThreadID:          opts.ThreadID,
			Metadata:          opts.Metadata,
		},
	})
}
