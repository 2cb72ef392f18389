package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/agentjido/jido-messaging/pkg/models"
)

func key(scope string) models.SessionKey {
	return models.SessionKey{
		ChannelType: models.ChannelTelegram,
		BridgeID:    "tg-main",
		RoomScope:   scope,
	}
}

func route(room string) models.Route {
	return models.Route{
		BridgeID:       "tg-main",
		Channel:        models.ChannelTelegram,
		ExternalRoomID: room,
	}
}

func TestSetGetAndExpiry(t *testing.T) {
	s := NewStore(Options{TTL: time.Minute, Shards: 4, ShardCapacity: 100}, nil)
	now := time.Now()

	s.SetAt(key("c1"), route("c1"), now)

	rec, status := s.GetAt(key("c1"), now.Add(30*time.Second))
	if status != StatusFound {
		t.Fatalf("status = %v, want found", status)
	}
	if rec.Route.ExternalRoomID != "c1" {
		t.Errorf("route = %+v", rec.Route)
	}

	if _, status := s.GetAt(key("c1"), now.Add(2*time.Minute)); status != StatusExpired {
		t.Errorf("status after ttl = %v, want expired", status)
	}
	if _, status := s.GetAt(key("other"), now); status != StatusNotFound {
		t.Errorf("status for unknown = %v, want not found", status)
	}
}

func TestResolvePrefersFreshHit(t *testing.T) {
	s := NewStore(Options{TTL: time.Minute}, nil)
	now := time.Now()
	s.SetAt(key("c1"), route("c1"), now)

	res := s.ResolveAt(key("c1"), []models.Route{route("fallback")}, now)
	if !res.OK || res.Source != SourceSession || res.Fallback || res.Stale {
		t.Errorf("resolution = %+v, want fresh session hit", res)
	}
	if res.Route.ExternalRoomID != "c1" {
		t.Errorf("route = %+v", res.Route)
	}
}

func TestResolveServesStaleOverFallback(t *testing.T) {
	s := NewStore(Options{TTL: time.Minute}, nil)
	now := time.Now()
	s.SetAt(key("c1"), route("c1"), now)

	res := s.ResolveAt(key("c1"), []models.Route{route("fallback")}, now.Add(2*time.Minute))
	if !res.OK || !res.Stale || res.Source != SourceStale {
		t.Errorf("resolution = %+v, want stale session record", res)
	}
	if res.Route.ExternalRoomID != "c1" {
		t.Errorf("stale route = %+v", res.Route)
	}
}

func TestResolveFallsBackOnMiss(t *testing.T) {
	s := NewStore(Options{}, nil)

	res := s.Resolve(key("absent"), []models.Route{route("fb1"), route("fb2")})
	if !res.OK || !res.Fallback || res.FallbackReason != FallbackReasonMiss {
		t.Errorf("resolution = %+v", res)
	}
	if res.Route.ExternalRoomID != "fb1" {
		t.Errorf("fallback should use first provided route, got %+v", res.Route)
	}

	empty := s.Resolve(key("absent"), nil)
	if empty.OK {
		t.Errorf("resolution with no fallbacks = %+v, want not ok", empty)
	}
}

func TestShardUnavailableDegradesToFallback(t *testing.T) {
	s := NewStore(Options{TTL: time.Minute}, nil)
	k := key("c1")
	s.Set(k, route("c1"))
	s.SetShardAvailable(k, false)

	res := s.Resolve(k, []models.Route{route("fb")})
	if !res.OK || res.FallbackReason != FallbackReasonUnavailable {
		t.Errorf("resolution = %+v, want session_unavailable fallback", res)
	}
	if res.Route.ExternalRoomID != "fb" {
		t.Errorf("route = %+v", res.Route)
	}

	s.SetShardAvailable(k, true)
	if res := s.Resolve(k, nil); res.Source != SourceSession {
		t.Errorf("after recovery = %+v, want session hit", res)
	}
}

func TestPruneRemovesExpired(t *testing.T) {
	s := NewStore(Options{TTL: time.Minute, Shards: 2}, nil)
	now := time.Now()
	for i := 0; i < 10; i++ {
		s.SetAt(key(fmt.Sprintf("c%d", i)), route("r"), now)
	}
	s.SetAt(key("young"), route("r"), now.Add(50*time.Minute))

	s.Prune(now.Add(2 * time.Minute))
	if s.Len() != 1 {
		t.Errorf("len after prune = %d, want 1", s.Len())
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	s := NewStore(Options{TTL: time.Hour, Shards: 1, ShardCapacity: 4}, nil)
	now := time.Now()
	for i := 0; i < 10; i++ {
		s.SetAt(key(fmt.Sprintf("c%d", i)), route("r"), now.Add(time.Duration(i)*time.Second))
	}
	if s.Len() > 4 {
		t.Errorf("len = %d, exceeds shard capacity 4", s.Len())
	}
	// Most recent key survives.
	if _, status := s.GetAt(key("c9"), now.Add(time.Minute)); status != StatusFound {
		t.Errorf("most recent key evicted (status %v)", status)
	}
}
