// Package session implements the sharded TTL route store used to resolve
// "reply into the right conversation" on outbound paths.
package session

import (
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentjido/jido-messaging/pkg/models"
)

// Record is one stored route with its freshness window.
type Record struct {
	Route     models.Route
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// GetStatus is the outcome of a point lookup.
type GetStatus int

const (
	StatusFound GetStatus = iota
	StatusExpired
	StatusNotFound
)

// Source says where a resolution's route came from.
type Source string

const (
	SourceSession  Source = "session"
	SourceStale    Source = "stale_session"
	SourceFallback Source = "fallback"
)

// FallbackReason explains why a provided fallback was used.
type FallbackReason string

const (
	FallbackReasonNone        FallbackReason = ""
	FallbackReasonMiss        FallbackReason = "session_miss"
	FallbackReasonUnavailable FallbackReason = "session_unavailable"
)

// Resolution annotates a resolved route. Stale marks an expired record
// served as a partition-level fallback.
type Resolution struct {
	Route          models.Route
	Source         Source
	Fallback       bool
	Stale          bool
	FallbackReason FallbackReason
	OK             bool
}

// Options bounds the store.
type Options struct {
	// TTL is the route freshness window.
	TTL time.Duration
	// ShardCapacity caps entries per shard; LRU eviction on overflow.
	ShardCapacity int
	// Shards is the shard count, defaulting to max(2, 2*GOMAXPROCS).
	Shards int
	// PruneInterval is the cadence of the background expiry sweep.
	PruneInterval time.Duration
}

// DefaultOptions returns the store defaults.
func DefaultOptions() Options {
	shards := 2 * runtime.GOMAXPROCS(0)
	if shards < 2 {
		shards = 2
	}
	return Options{
		TTL:           30 * time.Minute,
		ShardCapacity: 10000,
		Shards:        shards,
		PruneInterval: time.Minute,
	}
}

type entry struct {
	record Record
	// lastUsed is unix millis for LRU ordering; atomic because reads
	// touch it under the shard's read lock.
	lastUsed atomic.Int64
}

type shard struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	capacity    int
	unavailable bool
}

// Store is the sharded session route map. Shards are independent; a failed
// shard degrades resolution to the provided fallback, never the outbound
// path itself.
type Store struct {
	opts   Options
	shards []*shard
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewStore builds a store, replacing invalid option values with defaults.
func NewStore(opts Options, logger *slog.Logger) *Store {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.ShardCapacity <= 0 {
		opts.ShardCapacity = def.ShardCapacity
	}
	if opts.Shards <= 0 {
		opts.Shards = def.Shards
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = def.PruneInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{
			entries:  make(map[string]*entry),
			capacity: opts.ShardCapacity,
		}
	}
	return &Store{opts: opts, shards: shards, logger: logger, stop: make(chan struct{})}
}

// StartPruner launches the background expiry sweep. Stop halts it.
func (s *Store) StartPruner() {
	go func() {
		ticker := time.NewTicker(s.opts.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Prune(time.Now())
			}
		}
	}()
}

// Stop halts the pruner.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Set writes the route for the key with the store TTL.
func (s *Store) Set(key models.SessionKey, route models.Route) {
	s.SetAt(key, route, time.Now())
}

// SetAt is Set with an explicit clock, for tests.
func (s *Store) SetAt(key models.SessionKey, route models.Route, now time.Time) {
	k := key.String()
	sh := s.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.unavailable {
		return
	}
	e := &entry{
		record: Record{
			Route:     route,
			UpdatedAt: now,
			ExpiresAt: now.Add(s.opts.TTL),
		},
	}
	e.lastUsed.Store(now.UnixMilli())
	sh.entries[k] = e
	sh.evictOverflow()
}

// Get returns the record for the key and its freshness status.
func (s *Store) Get(key models.SessionKey) (Record, GetStatus) {
	return s.GetAt(key, time.Now())
}

// GetAt is Get with an explicit clock, for tests.
func (s *Store) GetAt(key models.SessionKey, now time.Time) (Record, GetStatus) {
	k := key.String()
	sh := s.shardFor(k)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if sh.unavailable {
		return Record{}, StatusNotFound
	}
	e, ok := sh.entries[k]
	if !ok {
		return Record{}, StatusNotFound
	}
	if now.After(e.record.ExpiresAt) {
		return e.record, StatusExpired
	}
	e.lastUsed.Store(now.UnixMilli())
	return e.record, StatusFound
}

// Resolve returns the best route for the key: a fresh session hit, then a
// stale record as partition fallback, then the first provided fallback.
// Resolution never fails the outbound path; OK is false only when there is
// no route at all.
func (s *Store) Resolve(key models.SessionKey, fallbacks []models.Route) Resolution {
	return s.ResolveAt(key, fallbacks, time.Now())
}

// ResolveAt is Resolve with an explicit clock, for tests.
func (s *Store) ResolveAt(key models.SessionKey, fallbacks []models.Route, now time.Time) Resolution {
	k := key.String()
	sh := s.shardFor(k)

	sh.mu.RLock()
	unavailable := sh.unavailable
	var e *entry
	if !unavailable {
		e = sh.entries[k]
	}
	sh.mu.RUnlock()

	if unavailable {
		return s.fallbackResolution(fallbacks, FallbackReasonUnavailable)
	}
	if e != nil {
		if !now.After(e.record.ExpiresAt) {
			return Resolution{Route: e.record.Route, Source: SourceSession, OK: true}
		}
		// Expired record still beats a blind fallback for the same key.
		return Resolution{Route: e.record.Route, Source: SourceStale, Stale: true, OK: true}
	}
	return s.fallbackResolution(fallbacks, FallbackReasonMiss)
}

func (s *Store) fallbackResolution(fallbacks []models.Route, reason FallbackReason) Resolution {
	if len(fallbacks) == 0 {
		return Resolution{Source: SourceFallback, Fallback: true, FallbackReason: reason, OK: false}
	}
	return Resolution{
		Route:          fallbacks[0],
		Source:         SourceFallback,
		Fallback:       true,
		FallbackReason: reason,
		OK:             true,
	}
}

// Prune removes expired entries from every shard.
func (s *Store) Prune(now time.Time) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if now.After(e.record.ExpiresAt) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the total number of stored routes.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// SetShardAvailable toggles a shard's availability; used to exercise the
// degraded-resolution path in tests and by the supervisor when a shard
// worker crashes.
func (s *Store) SetShardAvailable(key models.SessionKey, available bool) {
	sh := s.shardFor(key.String())
	sh.mu.Lock()
	sh.unavailable = !available
	sh.mu.Unlock()
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// evictOverflow drops least-recently-used entries while over capacity.
// Caller holds the shard lock.
func (sh *shard) evictOverflow() {
	for len(sh.entries) > sh.capacity {
		var oldestKey string
		oldest := int64(^uint64(0) >> 1)
		for k, e := range sh.entries {
			if used := e.lastUsed.Load(); used < oldest {
				oldest = used
				oldestKey = k
			}
		}
		if oldestKey == "" {
			return
		}
		delete(sh.entries, oldestKey)
	}
}
