// Package dedup implements the at-most-once inbound gate: a sharded,
// TTL- and size-bounded set of recently seen message fingerprints.
package dedup

import (
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/agentjido/jido-messaging/pkg/models"
)

// Verdict is the outcome of a fingerprint check.
type Verdict int

const (
	// VerdictNew means the fingerprint has not been seen within the
	// retention window; it is now recorded.
	VerdictNew Verdict = iota
	// VerdictDuplicate means the fingerprint was already recorded.
	VerdictDuplicate
)

// Fingerprint identifies one inbound platform message.
type Fingerprint struct {
	Channel           models.ChannelType
	BridgeID          string
	ExternalRoomID    string
	ExternalMessageID string
}

// key renders the canonical shard/lookup key.
func (f Fingerprint) key() string {
	return string(f.Channel) + "\x00" + f.BridgeID + "\x00" + f.ExternalRoomID + "\x00" + f.ExternalMessageID
}

// Options bounds the filter.
type Options struct {
	// MaxEntries caps total retained fingerprints across all shards.
	MaxEntries int
	// TTL is how long a fingerprint suppresses duplicates.
	TTL time.Duration
	// Shards is the number of independent shards. Defaults to
	// max(2, 2*GOMAXPROCS).
	Shards int
}

// DefaultOptions returns the filter defaults: 8192 entries, 10 minute TTL.
func DefaultOptions() Options {
	return Options{
		MaxEntries: 8192,
		TTL:        10 * time.Minute,
		Shards:     defaultShardCount(),
	}
}

func defaultShardCount() int {
	n := 2 * runtime.GOMAXPROCS(0)
	if n < 2 {
		n = 2
	}
	return n
}

type shard struct {
	mu      sync.Mutex
	seen    map[string]int64 // key -> last-seen unix millis
	maxSize int
	ttl     time.Duration
}

// Filter is the process-wide per-instance dedup gate. Readers are
// concurrent across shards; writes are serialized per shard.
type Filter struct {
	shards []*shard
}

// NewFilter builds a filter from options, replacing invalid values with
// defaults.
func NewFilter(opts Options) *Filter {
	def := DefaultOptions()
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.Shards <= 0 {
		opts.Shards = def.Shards
	}

	perShard := opts.MaxEntries / opts.Shards
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{
			seen:    make(map[string]int64),
			maxSize: perShard,
			ttl:     opts.TTL,
		}
	}
	return &Filter{shards: shards}
}

// CheckAndMark atomically tests and records the fingerprint. Fingerprints
// without an external message id always read as new; the outbound
// idempotency cache owns dedup for those.
func (f *Filter) CheckAndMark(fp Fingerprint) Verdict {
	return f.CheckAndMarkAt(fp, time.Now())
}

// CheckAndMarkAt is CheckAndMark with an explicit clock, for tests.
func (f *Filter) CheckAndMarkAt(fp Fingerprint, now time.Time) Verdict {
	if fp.ExternalMessageID == "" {
		return VerdictNew
	}
	key := fp.key()
	s := f.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()
	if ts, ok := s.seen[key]; ok && nowMs-ts < s.ttl.Milliseconds() {
		// Refresh recency so hot duplicates stay suppressed.
		s.touch(key, nowMs)
		return VerdictDuplicate
	}

	s.touch(key, nowMs)
	s.prune(nowMs)
	return VerdictNew
}

// Size returns the total number of retained fingerprints.
func (f *Filter) Size() int {
	total := 0
	for _, s := range f.shards {
		s.mu.Lock()
		total += len(s.seen)
		s.mu.Unlock()
	}
	return total
}

func (f *Filter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return f.shards[int(h.Sum32())%len(f.shards)]
}

func (s *shard) touch(key string, ts int64) {
	delete(s.seen, key)
	s.seen[key] = ts
}

func (s *shard) prune(nowMs int64) {
	cutoff := nowMs - s.ttl.Milliseconds()
	for k, ts := range s.seen {
		if ts < cutoff {
			delete(s.seen, k)
		}
	}

	for len(s.seen) > s.maxSize {
		var oldestKey string
		oldestTs := int64(^uint64(0) >> 1)
		for k, ts := range s.seen {
			if ts < oldestTs {
				oldestTs = ts
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(s.seen, oldestKey)
	}
}
