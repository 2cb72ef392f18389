// Package storage defines the persistence contract the runtime consumes.
// Concrete SQL backends live outside the core; the in-memory implementation
// here is the reference used by the runtime's own tests.
package storage

import (
	"context"
	"errors"

	"github.com/agentjido/jido-messaging/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// RoomStore persists rooms and their external bindings.
type RoomStore interface {
	SaveRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	DeleteRoom(ctx context.Context, id string) error
	ListRooms(ctx context.Context, limit, offset int) ([]*models.Room, int, error)

	// GetOrCreateRoomByExternalBinding maps an external conversation onto
	// an internal room, creating the room and binding on first contact.
	// The {channel, bridge, external room} triple maps to at most one room.
	GetOrCreateRoomByExternalBinding(ctx context.Context, binding models.ExternalBinding, attrs RoomAttrs) (*models.Room, bool, error)

	ListRoomBindings(ctx context.Context, roomID string) ([]*models.RoomBinding, error)
	CreateRoomBinding(ctx context.Context, binding *models.RoomBinding) error
	DeleteRoomBinding(ctx context.Context, id string) error
}

// RoomAttrs seeds a room created on first contact.
type RoomAttrs struct {
	Type models.RoomType
	Name string
}

// ParticipantStore persists participants.
type ParticipantStore interface {
	SaveParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	DeleteParticipant(ctx context.Context, id string) error

	// GetOrCreateParticipantByExternalID maps a platform user onto an
	// internal participant, creating on first contact.
	GetOrCreateParticipantByExternalID(ctx context.Context, channel models.ChannelType, externalUserID string, attrs ParticipantAttrs) (*models.Participant, bool, error)

	// DirectoryLookup finds a participant by exact identity.
	DirectoryLookup(ctx context.Context, identity string) (*models.Participant, error)
	// DirectorySearch finds participants whose identity contains the query.
	DirectorySearch(ctx context.Context, query string, limit int) ([]*models.Participant, error)
}

// ParticipantAttrs seeds a participant created on first contact.
type ParticipantAttrs struct {
	Type        models.ParticipantType
	Identity    string
	DisplayName string
}

// MessageStore persists messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListRoomMessages(ctx context.Context, roomID string, limit, offset int) ([]*models.Message, int, error)

	GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)
	UpdateMessageExternalID(ctx context.Context, id, externalID string) error
}

// ConfigStore persists bridge configs and routing policies for the control
// plane. Revision checks are the caller's concern (single writer in the
// routing component); the store only reads and writes.
type ConfigStore interface {
	SaveBridgeConfig(ctx context.Context, cfg *models.BridgeConfig) error
	GetBridgeConfig(ctx context.Context, id string) (*models.BridgeConfig, error)
	ListBridgeConfigs(ctx context.Context) ([]*models.BridgeConfig, error)
	DeleteBridgeConfig(ctx context.Context, id string) error

	SaveRoutingPolicy(ctx context.Context, policy *models.RoutingPolicy) error
	GetRoutingPolicy(ctx context.Context, roomID string) (*models.RoutingPolicy, error)
	DeleteRoutingPolicy(ctx context.Context, roomID string) error
}

// Store groups the full storage contract.
type Store interface {
	RoomStore
	ParticipantStore
	MessageStore
	ConfigStore
}
