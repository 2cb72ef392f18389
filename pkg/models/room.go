package models

import "time"

// RoomType classifies a conversation container.
type RoomType string

const (
	RoomDirect  RoomType = "direct"
	RoomGroup   RoomType = "group"
	RoomChannel RoomType = "channel"
	RoomThread  RoomType = "thread"
)

// ExternalBinding ties a room to a platform-side conversation.
// A given binding maps to at most one room within an instance.
type ExternalBinding struct {
	Channel        ChannelType `json:"channel"`
	BridgeID       string      `json:"bridge_id"`
	ExternalRoomID string      `json:"external_room_id"`
}

// Room is a conversation container. It is owned by the room actor while one
// is running and persisted through the storage contract.
type Room struct {
	ID               string            `json:"id"`
	Type             RoomType          `json:"type"`
	Name             string            `json:"name,omitempty"`
	ExternalBindings []ExternalBinding `json:"external_bindings,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ParticipantType classifies a room participant.
type ParticipantType string

const (
	ParticipantHuman  ParticipantType = "human"
	ParticipantAgent  ParticipantType = "agent"
	ParticipantSystem ParticipantType = "system"
)

// Presence is a participant's availability state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
	PresenceOffline Presence = "offline"
)

// Participant is an identity taking part in rooms.
type Participant struct {
	ID           string                 `json:"id"`
	Type         ParticipantType        `json:"type"`
	Identity     string                 `json:"identity,omitempty"`
	ExternalIDs  map[ChannelType]string `json:"external_ids,omitempty"` // channel -> external user id
	Presence     Presence               `json:"presence,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// BindingDirection controls which flows a room binding participates in.
type BindingDirection string

const (
	DirectionInbound  BindingDirection = "inbound"
	DirectionOutbound BindingDirection = "outbound"
	DirectionBoth     BindingDirection = "both"
)

// OutboundEligible reports whether the direction permits outbound delivery.
func (d BindingDirection) OutboundEligible() bool {
	return d == DirectionOutbound || d == DirectionBoth
}

// RoomBinding links a room to an external conversation through a bridge.
// {Channel, BridgeID, ExternalRoomID} is unique within an instance; a room
// may carry many bindings.
type RoomBinding struct {
	ID             string           `json:"id"`
	RoomID         string           `json:"room_id"`
	Channel        ChannelType      `json:"channel"`
	BridgeID       string           `json:"bridge_id"`
	ExternalRoomID string           `json:"external_room_id"`
	Direction      BindingDirection `json:"direction"`
	Enabled        bool             `json:"enabled"`
	CreatedAt      time.Time        `json:"created_at"`
}
