// Package routing is the outbound control plane: a single-writer config
// store for bridge configs and routing policies, and the router that fans
// room-scoped sends out over candidate routes.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentjido/jido-messaging/internal/storage"
	"github.com/agentjido/jido-messaging/pkg/models"
)

// RevisionConflictError reports an optimistic-concurrency failure.
type RevisionConflictError struct {
	Kind     string
	ID       string
	Expected int64
	Actual   int64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s %s: expected %d, actual %d", e.Kind, e.ID, e.Expected, e.Actual)
}

// Change describes one accepted config mutation, delivered asynchronously
// to the reconcile callback.
type Change struct {
	Kind     string // "bridge_config" or "routing_policy"
	ID       string
	Revision int64
	Deleted  bool
}

// ReconcileFunc receives accepted config changes. It runs on its own
// goroutine and must not block the writer.
type ReconcileFunc func(change Change)

// NoCheck skips the revision check entirely.
func NoCheck() *int64 { return nil }

// Expect pins a write to an exact current revision. 0 or -1 against a
// missing record means create.
func Expect(rev int64) *int64 { return &rev }

// ConfigStore serializes all control-plane writes behind one mutex and
// enforces optimistic concurrency on revisions. Reads pass through.
type ConfigStore struct {
	mu        sync.Mutex
	store     storage.ConfigStore
	reconcile ReconcileFunc
	logger    *slog.Logger
}

// NewConfigStore wraps the persistence contract. reconcile may be nil.
func NewConfigStore(store storage.ConfigStore, reconcile ReconcileFunc, logger *slog.Logger) *ConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigStore{
		store:     store,
		reconcile: reconcile,
		logger:    logger.With("component", "config_store"),
	}
}

// checkRevision validates expected against the current record's revision.
// expected nil skips the check; 0 or -1 demand a missing record (create);
// anything else must match exactly.
func checkRevision(kind, id string, expected *int64, current int64, exists bool) error {
	if expected == nil {
		return nil
	}
	if *expected == 0 || *expected == -1 {
		if exists {
			return &RevisionConflictError{Kind: kind, ID: id, Expected: *expected, Actual: current}
		}
		return nil
	}
	if !exists {
		return &RevisionConflictError{Kind: kind, ID: id, Expected: *expected, Actual: 0}
	}
	if *expected != current {
		return &RevisionConflictError{Kind: kind, ID: id, Expected: *expected, Actual: current}
	}
	return nil
}

// PutBridgeConfig writes a bridge config under the revision check and
// returns the stored copy with its bumped revision.
func (s *ConfigStore) PutBridgeConfig(ctx context.Context, cfg *models.BridgeConfig, expected *int64) (*models.BridgeConfig, error) {
	if cfg == nil || cfg.ID == "" {
		return nil, errors.New("bridge config requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetBridgeConfig(ctx, cfg.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load bridge config: %w", err)
	}

	var rev int64
	if exists {
		rev = current.Revision
	}
	if err := checkRevision("bridge_config", cfg.ID, expected, rev, exists); err != nil {
		return nil, err
	}

	stored := *cfg
	stored.Revision = rev + 1
	stored.UpdatedAt = time.Now()
	if exists {
		stored.CreatedAt = current.CreatedAt
	} else {
		stored.CreatedAt = stored.UpdatedAt
	}
	if err := s.store.SaveBridgeConfig(ctx, &stored); err != nil {
		return nil, fmt.Errorf("save bridge config: %w", err)
	}

	s.notify(Change{Kind: "bridge_config", ID: stored.ID, Revision: stored.Revision})
	return &stored, nil
}

// GetBridgeConfig reads one bridge config.
func (s *ConfigStore) GetBridgeConfig(ctx context.Context, id string) (*models.BridgeConfig, error) {
	return s.store.GetBridgeConfig(ctx, id)
}

// ListBridgeConfigs reads all bridge configs.
func (s *ConfigStore) ListBridgeConfigs(ctx context.Context) ([]*models.BridgeConfig, error) {
	return s.store.ListBridgeConfigs(ctx)
}

// DeleteBridgeConfig removes a bridge config under the revision check.
func (s *ConfigStore) DeleteBridgeConfig(ctx context.Context, id string, expected *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetBridgeConfig(ctx, id)
	if err != nil {
		return err
	}
	if err := checkRevision("bridge_config", id, expected, current.Revision, true); err != nil {
		return err
	}
	if err := s.store.DeleteBridgeConfig(ctx, id); err != nil {
		return err
	}
	s.notify(Change{Kind: "bridge_config", ID: id, Revision: current.Revision, Deleted: true})
	return nil
}

// PutRoutingPolicy validates and writes a routing policy under the
// revision check.
func (s *ConfigStore) PutRoutingPolicy(ctx context.Context, policy *models.RoutingPolicy, expected *int64) (*models.RoutingPolicy, error) {
	if policy == nil || policy.RoomID == "" {
		return nil, errors.New("routing policy requires a room id")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetRoutingPolicy(ctx, policy.RoomID)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load routing policy: %w", err)
	}

	var rev int64
	if exists {
		rev = current.Revision
	}
	if err := checkRevision("routing_policy", policy.RoomID, expected, rev, exists); err != nil {
		return nil, err
	}

	stored := *policy
	stored.Revision = rev + 1
	stored.UpdatedAt = time.Now()
	if err := s.store.SaveRoutingPolicy(ctx, &stored); err != nil {
		return nil, fmt.Errorf("save routing policy: %w", err)
	}

	s.notify(Change{Kind: "routing_policy", ID: stored.RoomID, Revision: stored.Revision})
	return &stored, nil
}

// GetRoutingPolicy reads one routing policy.
func (s *ConfigStore) GetRoutingPolicy(ctx context.Context, roomID string) (*models.RoutingPolicy, error) {
	return s.store.GetRoutingPolicy(ctx, roomID)
}

// DeleteRoutingPolicy removes a routing policy under the revision check.
func (s *ConfigStore) DeleteRoutingPolicy(ctx context.Context, roomID string, expected *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetRoutingPolicy(ctx, roomID)
	if err != nil {
		return err
	}
	if err := checkRevision("routing_policy", roomID, expected, current.Revision, true); err != nil {
		return err
	}
	if err := s.store.DeleteRoutingPolicy(ctx, roomID); err != nil {
		return err
	}
	s.notify(Change{Kind: "routing_policy", ID: roomID, Revision: current.Revision, Deleted: true})
	return nil
}

// notify delivers the change off the writer's goroutine so a slow
// reconciler cannot stall config writes.
func (s *ConfigStore) notify(change Change) {
	if s.reconcile == nil {
		return
	}
	go s.reconcile(change)
}
