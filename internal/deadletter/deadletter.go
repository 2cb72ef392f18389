// Package deadletter stores terminal outbound failures in a bounded ring
// and replays them through the gateway on request.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentjido/jido-messaging/internal/gateway"
	"github.com/agentjido/jido-messaging/internal/observability"
)

// ReplayStatus is a record's position in the replay state machine.
type ReplayStatus string

const (
	// StatusNever marks a record that has not been replayed.
	StatusNever ReplayStatus = "never"
	// StatusRunning marks an in-flight replay.
	StatusRunning ReplayStatus = "running"
	// StatusSucceeded marks a record whose replay delivered.
	StatusSucceeded ReplayStatus = "succeeded"
	// StatusFailed marks a record whose last replay failed.
	StatusFailed ReplayStatus = "failed"
	// StatusArchived marks a record kept for inspection only.
	StatusArchived ReplayStatus = "archived"
)

var (
	ErrNotFound         = errors.New("dead letter not found")
	ErrReplayInFlight   = errors.New("replay already running")
	ErrAlreadySucceeded = errors.New("replay already succeeded")
	ErrArchived         = errors.New("record is archived")
)

// Record is one captured outbound failure.
type Record struct {
	ID           string
	Job          gateway.FailedJob
	Status       ReplayStatus
	ReplayCount  int
	CapturedAt   time.Time
	LastReplayAt time.Time
	LastError    string
}

func (r *Record) clone() *Record {
	cp := *r
	return &cp
}

// Dispatcher re-dispatches a rebuilt request. The outbound gateway
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req gateway.Request) (*gateway.SuccessResponse, error)
}

// Options bounds the store.
type Options struct {
	// Capacity caps stored records; the oldest are evicted FIFO.
	Capacity int
	// ReplayPartitions is the replay worker count; replays of one record
	// id always serialize onto the same worker.
	ReplayPartitions int
}

// DefaultOptions returns capacity 5000 and max(2, GOMAXPROCS) replay
// workers.
func DefaultOptions() Options {
	parts := runtime.GOMAXPROCS(0)
	if parts < 2 {
		parts = 2
	}
	return Options{Capacity: 5000, ReplayPartitions: parts}
}

func (o Options) sanitized() Options {
	def := DefaultOptions()
	if o.Capacity <= 0 {
		o.Capacity = def.Capacity
	}
	if o.ReplayPartitions <= 0 {
		o.ReplayPartitions = def.ReplayPartitions
	}
	return o
}

// ReplayOptions tunes one replay.
type ReplayOptions struct {
	// Force replays records that are running or already succeeded.
	Force bool
}

type replayTask struct {
	ctx    context.Context
	id     string
	opts   ReplayOptions
	result chan error
}

// Store is the bounded dead-letter ring with partitioned replay.
type Store struct {
	opts       Options
	dispatcher Dispatcher
	emitter    *observability.Emitter
	logger     *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
	order   []string // capture order, oldest first

	workers []chan replayTask
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStore builds the store and starts its replay workers.
func NewStore(opts Options, dispatcher Dispatcher, emitter *observability.Emitter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opts:       opts.sanitized(),
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger.With("component", "dead_letter"),
		records:    make(map[string]*Record),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.workers = make([]chan replayTask, s.opts.ReplayPartitions)
	for i := range s.workers {
		ch := make(chan replayTask, 16)
		s.workers[i] = ch
		s.wg.Add(1)
		go s.runWorker(ch)
	}
	return s
}

// Close stops the replay workers.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

// Capture stores a failed job, evicting the oldest record when full.
// Implements gateway.DeadLetterSink.
func (s *Store) Capture(job gateway.FailedJob) {
	rec := &Record{
		ID:         uuid.NewString(),
		Job:        job,
		Status:     StatusNever,
		CapturedAt: time.Now(),
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	for len(s.order) > s.opts.Capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.records, oldest)
	}
	s.mu.Unlock()

	s.emit(observability.Event{
		Name:          observability.EventDeadLetterCaptured,
		CorrelationID: job.Request.MessageID,
		Data: map[string]any{
			"record_id":   rec.ID,
			"routing_key": job.Response.RoutingKey,
			"reason":      job.Response.Reason,
			"category":    string(job.Response.Category),
		},
	})
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// List returns records newest first.
func (s *Store) List(limit, offset int) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if rec, ok := s.records[s.order[i]]; ok {
			out = append(out, rec.clone())
		}
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Get returns one record.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// Archive parks a record; archived records cannot be replayed.
func (s *Store) Archive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == StatusRunning {
		return ErrReplayInFlight
	}
	rec.Status = StatusArchived
	return nil
}

// Purge removes records matching the status (empty matches all) captured
// more than olderThan ago. It returns the number removed.
func (s *Store) Purge(status ReplayStatus, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		rec := s.records[id]
		if rec == nil {
			continue
		}
		match := (status == "" || rec.Status == status) &&
			rec.CapturedAt.Before(cutoff) && rec.Status != StatusRunning
		if match {
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// Replay re-dispatches one record through the gateway. Replays of the same
// record id serialize onto one worker.
func (s *Store) Replay(ctx context.Context, id string, opts ReplayOptions) error {
	task := replayTask{ctx: ctx, id: id, opts: opts, result: make(chan error, 1)}
	worker := s.workers[s.workerFor(id)]

	select {
	case worker <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("dead-letter store closed")
	}

	select {
	case err := <-task.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) workerFor(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32()) % len(s.workers)
}

func (s *Store) runWorker(ch chan replayTask) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-ch:
			task.result <- s.replay(task.ctx, task.id, task.opts)
		}
	}
}

func (s *Store) replay(ctx context.Context, id string, opts ReplayOptions) error {
	req, err := s.reserve(id, opts)
	if err != nil {
		return err
	}

	s.emit(observability.Event{
		Name:          observability.EventDeadLetterReplayAttempt,
		CorrelationID: req.MessageID,
		Data:          map[string]any{"record_id": id},
	})

	_, dispatchErr := s.dispatcher.Dispatch(ctx, req)
	s.finish(id, dispatchErr)

	outcome := "succeeded"
	if dispatchErr != nil {
		outcome = "failed"
	}
	s.emit(observability.Event{
		Name:          observability.EventDeadLetterReplayOutcome,
		CorrelationID: req.MessageID,
		Data:          map[string]any{"record_id": id, "outcome": outcome},
	})
	if dispatchErr != nil {
		return fmt.Errorf("replay %s: %w", id, dispatchErr)
	}
	return nil
}

// reserve transitions never|failed to running. Running and succeeded
// records are rejected unless forced; archived records never replay.
func (s *Store) reserve(id string, opts ReplayOptions) (gateway.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return gateway.Request{}, ErrNotFound
	}
	switch rec.Status {
	case StatusArchived:
		return gateway.Request{}, ErrArchived
	case StatusRunning:
		if !opts.Force {
			return gateway.Request{}, ErrReplayInFlight
		}
	case StatusSucceeded:
		if !opts.Force {
			return gateway.Request{}, ErrAlreadySucceeded
		}
	}
	rec.Status = StatusRunning
	rec.ReplayCount++
	rec.LastReplayAt = time.Now()
	return rec.Job.Request, nil
}

func (s *Store) finish(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	if err != nil {
		rec.Status = StatusFailed
		rec.LastError = err.Error()
		return
	}
	rec.Status = StatusSucceeded
	rec.LastError = ""
}

func (s *Store) emit(ev observability.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}
