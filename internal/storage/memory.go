package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentjido/jido-messaging/pkg/models"
)

// MemoryStore is the in-memory reference implementation of the storage
// contract. Writes are serialized per store; reads take the read lock.
type MemoryStore struct {
	mu sync.RWMutex

	rooms        map[string]*models.Room
	bindings     map[string]*models.RoomBinding // binding id -> binding
	bindingIndex map[models.ExternalBinding]string
	participants map[string]*models.Participant
	extUserIndex map[string]string // channel+external user id -> participant id
	messages     map[string]*models.Message
	extMsgIndex  map[string]string // external id -> message id
	bridgeCfgs   map[string]*models.BridgeConfig
	policies     map[string]*models.RoutingPolicy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:        make(map[string]*models.Room),
		bindings:     make(map[string]*models.RoomBinding),
		bindingIndex: make(map[models.ExternalBinding]string),
		participants: make(map[string]*models.Participant),
		extUserIndex: make(map[string]string),
		messages:     make(map[string]*models.Message),
		extMsgIndex:  make(map[string]string),
		bridgeCfgs:   make(map[string]*models.BridgeConfig),
		policies:     make(map[string]*models.RoutingPolicy),
	}
}

func extUserKey(channel models.ChannelType, externalUserID string) string {
	return string(channel) + "\x00" + externalUserID
}

// --- RoomStore ---

func (s *MemoryStore) SaveRoom(ctx context.Context, room *models.Room) error {
	if room == nil || room.ID == "" {
		return fmt.Errorf("room is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return room, nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

func (s *MemoryStore) ListRooms(ctx context.Context, limit, offset int) ([]*models.Room, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]*models.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return paginate(rooms, limit, offset), len(rooms), nil
}

func (s *MemoryStore) GetOrCreateRoomByExternalBinding(ctx context.Context, binding models.ExternalBinding, attrs RoomAttrs) (*models.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roomID, ok := s.bindingIndex[binding]; ok {
		if room, ok := s.rooms[roomID]; ok {
			return room, false, nil
		}
	}

	now := time.Now()
	room := &models.Room{
		ID:               uuid.NewString(),
		Type:             attrs.Type,
		Name:             attrs.Name,
		ExternalBindings: []models.ExternalBinding{binding},
		CreatedAt:        now,
	}
	if room.Type == "" {
		room.Type = models.RoomGroup
	}
	s.rooms[room.ID] = room

	rb := &models.RoomBinding{
		ID:             uuid.NewString(),
		RoomID:         room.ID,
		Channel:        binding.Channel,
		BridgeID:       binding.BridgeID,
		ExternalRoomID: binding.ExternalRoomID,
		Direction:      models.DirectionBoth,
		Enabled:        true,
		CreatedAt:      now,
	}
	s.bindings[rb.ID] = rb
	s.bindingIndex[binding] = room.ID
	return room, true, nil
}

func (s *MemoryStore) ListRoomBindings(ctx context.Context, roomID string) ([]*models.RoomBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RoomBinding
	for _, b := range s.bindings {
		if b.RoomID == roomID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateRoomBinding(ctx context.Context, binding *models.RoomBinding) error {
	if binding == nil || binding.RoomID == "" {
		return fmt.Errorf("binding is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.ExternalBinding{
		Channel:        binding.Channel,
		BridgeID:       binding.BridgeID,
		ExternalRoomID: binding.ExternalRoomID,
	}
	if _, exists := s.bindingIndex[key]; exists {
		return ErrAlreadyExists
	}
	if binding.ID == "" {
		binding.ID = uuid.NewString()
	}
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = time.Now()
	}
	s.bindings[binding.ID] = binding
	s.bindingIndex[key] = binding.RoomID
	return nil
}

func (s *MemoryStore) DeleteRoomBinding(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.bindings, id)
	delete(s.bindingIndex, models.ExternalBinding{
		Channel:        b.Channel,
		BridgeID:       b.BridgeID,
		ExternalRoomID: b.ExternalRoomID,
	})
	return nil
}

// --- ParticipantStore ---

func (s *MemoryStore) SaveParticipant(ctx context.Context, p *models.Participant) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("participant is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
	for channel, ext := range p.ExternalIDs {
		s.extUserIndex[extUserKey(channel, ext)] = p.ID
	}
	return nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) DeleteParticipant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return ErrNotFound
	}
	for channel, ext := range p.ExternalIDs {
		delete(s.extUserIndex, extUserKey(channel, ext))
	}
	delete(s.participants, id)
	return nil
}

func (s *MemoryStore) GetOrCreateParticipantByExternalID(ctx context.Context, channel models.ChannelType, externalUserID string, attrs ParticipantAttrs) (*models.Participant, bool, error) {
	if externalUserID == "" {
		return nil, false, fmt.Errorf("external user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.extUserIndex[extUserKey(channel, externalUserID)]; ok {
		if p, ok := s.participants[id]; ok {
			return p, false, nil
		}
	}

	p := &models.Participant{
		ID:          uuid.NewString(),
		Type:        attrs.Type,
		Identity:    attrs.Identity,
		ExternalIDs: map[models.ChannelType]string{channel: externalUserID},
		Presence:    models.PresenceOnline,
		CreatedAt:   time.Now(),
	}
	if p.Type == "" {
		p.Type = models.ParticipantHuman
	}
	if p.Identity == "" {
		p.Identity = attrs.DisplayName
	}
	s.participants[p.ID] = p
	s.extUserIndex[extUserKey(channel, externalUserID)] = p.ID
	return p, true, nil
}

func (s *MemoryStore) DirectoryLookup(ctx context.Context, identity string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.Identity == identity {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) DirectorySearch(ctx context.Context, query string, limit int) ([]*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var out []*models.Participant
	for _, p := range s.participants {
		if strings.Contains(strings.ToLower(p.Identity), q) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- MessageStore ---

func (s *MemoryStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	if msg.ExternalID != "" {
		s.extMsgIndex[msg.ExternalID] = msg.ID
	}
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.ExternalID != "" {
		delete(s.extMsgIndex, msg.ExternalID)
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) ListRoomMessages(ctx context.Context, roomID string, limit, offset int) ([]*models.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, limit, offset), len(out), nil
}

func (s *MemoryStore) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.extMsgIndex[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (s *MemoryStore) UpdateMessageExternalID(ctx context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.ExternalID != "" {
		delete(s.extMsgIndex, msg.ExternalID)
	}
	msg.ExternalID = externalID
	msg.UpdatedAt = time.Now()
	if externalID != "" {
		s.extMsgIndex[externalID] = id
	}
	return nil
}

// --- ConfigStore ---

func (s *MemoryStore) SaveBridgeConfig(ctx context.Context, cfg *models.BridgeConfig) error {
	if cfg == nil || cfg.ID == "" {
		return fmt.Errorf("bridge config is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeCfgs[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) GetBridgeConfig(ctx context.Context, id string) (*models.BridgeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.bridgeCfgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cfg, nil
}

func (s *MemoryStore) ListBridgeConfigs(ctx context.Context) ([]*models.BridgeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.BridgeConfig, 0, len(s.bridgeCfgs))
	for _, cfg := range s.bridgeCfgs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteBridgeConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bridgeCfgs[id]; !ok {
		return ErrNotFound
	}
	delete(s.bridgeCfgs, id)
	return nil
}

func (s *MemoryStore) SaveRoutingPolicy(ctx context.Context, policy *models.RoutingPolicy) error {
	if policy == nil || policy.RoomID == "" {
		return fmt.Errorf("routing policy is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.RoomID] = policy
	return nil
}

func (s *MemoryStore) GetRoutingPolicy(ctx context.Context, roomID string) (*models.RoutingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return policy, nil
}

func (s *MemoryStore) DeleteRoutingPolicy(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[roomID]; !ok {
		return ErrNotFound
	}
	delete(s.policies, roomID)
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
