package models

import (
	"fmt"
	"time"
)

// BridgeConfig is the stored configuration for one adapter bridge.
// Writes are optimistic-concurrency-checked against Revision; accepted
// writes monotonically bump it.
type BridgeConfig struct {
	ID            string         `json:"id"`
	AdapterModule string         `json:"adapter_module"`
	Credentials   map[string]any `json:"credentials,omitempty"`
	Opts          map[string]any `json:"opts,omitempty"`
	Enabled       bool           `json:"enabled"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Revision      int64          `json:"revision"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DeliveryMode selects how the outbound router fans a message out over a
// room's candidate routes.
type DeliveryMode string

const (
	DeliverBestEffort DeliveryMode = "best_effort"
	DeliverPrimary    DeliveryMode = "primary"
	DeliverBroadcast  DeliveryMode = "broadcast"
)

// FailoverPolicy decides what happens after a sequential route fails.
type FailoverPolicy string

const (
	FailoverNone          FailoverPolicy = "none"
	FailoverNextAvailable FailoverPolicy = "next_available"
	FailoverBroadcast     FailoverPolicy = "broadcast"
)

// DedupeScope bounds duplicate suppression for routed deliveries.
type DedupeScope string

const (
	DedupeMessageID DedupeScope = "message_id"
	DedupeThread    DedupeScope = "thread"
	DedupeRoom      DedupeScope = "room"
)

// RoutingPolicy configures outbound routing for one room.
type RoutingPolicy struct {
	RoomID         string         `json:"room_id"`
	DeliveryMode   DeliveryMode   `json:"delivery_mode"`
	FailoverPolicy FailoverPolicy `json:"failover_policy"`
	DedupeScope    DedupeScope    `json:"dedupe_scope"`
	FallbackOrder  []string       `json:"fallback_order,omitempty"` // ordered bridge ids
	Revision       int64          `json:"revision"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Validate rejects policies with contradictory settings. Primary delivery
// combined with broadcast failover has no defined semantics and is refused.
func (p *RoutingPolicy) Validate() error {
	if p.DeliveryMode == DeliverPrimary && p.FailoverPolicy == FailoverBroadcast {
		return fmt.Errorf("routing policy for room %s: delivery_mode=primary is incompatible with failover_policy=broadcast", p.RoomID)
	}
	return nil
}

// SessionKey scopes "which conversation" for outbound route resolution.
type SessionKey struct {
	ChannelType ChannelType `json:"channel_type"`
	BridgeID    string      `json:"bridge_id"`
	RoomScope   string      `json:"room_scope"`
	ThreadID    string      `json:"thread_id,omitempty"`
}

// String renders the canonical colon-joined form of the key.
func (k SessionKey) String() string {
	s := fmt.Sprintf("%s:%s:%s", k.ChannelType, k.BridgeID, k.RoomScope)
	if k.ThreadID != "" {
		s += ":" + k.ThreadID
	}
	return s
}

// Route is the resolved destination for one outbound operation.
type Route struct {
	BridgeID       string      `json:"bridge_id"`
	Channel        ChannelType `json:"channel"`
	ExternalRoomID string      `json:"external_room_id"`
	ThreadID       string      `json:"thread_id,omitempty"`
}

// RoutingKey is the partition pin for a route: bridge_id:external_room_id.
func (r Route) RoutingKey() string {
	return r.BridgeID + ":" + r.ExternalRoomID
}
