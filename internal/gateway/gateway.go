// Package gateway is the partitioned outbound delivery pipeline. Every
// adapter call leaves the runtime through here: a routing key pins each
// request to one partition, partitions apply backpressure and bounded
// retries, and terminal failures hand off to the dead-letter sink.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/session"
	"github.com/agentjido/jido-messaging/pkg/models"
)

// Operation names an outbound adapter call.
type Operation string

const (
	OpSendMessage Operation = "send_message"
	OpEditMessage Operation = "edit_message"
	OpSendMedia   Operation = "send_media"
	OpEditMedia   Operation = "edit_media"
)

// Priority orders shedding, not processing: low-priority jobs are dropped
// first when a partition crosses the shed threshold.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PressureLevel is a partition's backpressure state.
type PressureLevel string

const (
	PressureNormal   PressureLevel = "normal"
	PressureWarn     PressureLevel = "warn"
	PressureDegraded PressureLevel = "degraded"
	PressureShed     PressureLevel = "shed"
)

// ErrorCategory buckets outbound failures for retry decisions.
type ErrorCategory string

const (
	// CategoryTerminal failures never retry; the job dead-letters.
	CategoryTerminal ErrorCategory = "terminal"
	// CategoryRetryable failures retry under the attempts budget.
	CategoryRetryable ErrorCategory = "retryable"
	// CategoryFatal failures indicate a contract or infrastructure bug.
	CategoryFatal ErrorCategory = "fatal"
)

// Failure reasons raised by the gateway itself.
var (
	ErrQueueFull                = errors.New("queue_full")
	ErrLoadShed                 = errors.New("load_shed")
	ErrSendFailed               = errors.New("send_failed")
	ErrMissingExternalMessageID = errors.New("missing_external_message_id")
	ErrPartitionUnavailable     = errors.New("partition_unavailable")
	// ErrSanitizeRetry marks a sanitize denial the security layer wants
	// retried instead of dead-lettered.
	ErrSanitizeRetry = errors.New("security_failure_retry")
)

// PressureThresholds are queue-fill ratios. warn < degraded < shed must
// hold; non-monotone values are replaced wholesale with the defaults.
type PressureThresholds struct {
	Warn     float64
	Degraded float64
	Shed     float64
}

// DefaultThresholds returns (0.70, 0.85, 0.95).
func DefaultThresholds() PressureThresholds {
	return PressureThresholds{Warn: 0.70, Degraded: 0.85, Shed: 0.95}
}

func (t PressureThresholds) valid() bool {
	return t.Warn > 0 && t.Warn < t.Degraded && t.Degraded < t.Shed && t.Shed <= 1
}

// DegradedAction selects behavior above the degraded threshold.
type DegradedAction string

const (
	DegradedThrottle DegradedAction = "throttle"
	DegradedNone     DegradedAction = "none"
)

// ShedAction selects behavior above the shed threshold.
type ShedAction string

const (
	ShedDropLow ShedAction = "drop_low"
	ShedNone    ShedAction = "none"
)

// Options tunes the gateway.
type Options struct {
	Partitions    int
	QueueCapacity int

	Thresholds     PressureThresholds
	DegradedAction DegradedAction
	// DegradedDelay is the per-job throttle above the degraded threshold.
	DegradedDelay      time.Duration
	ShedAction         ShedAction
	ShedDropPriorities []Priority

	MaxAttempts    int
	RetryBase      time.Duration
	RetryMax       time.Duration
	JitterFraction float64

	// IdempotencyCapacity bounds the per-partition result cache.
	IdempotencyCapacity int

	// SanitizeTimeout bounds the outbound-sanitizer task.
	SanitizeTimeout time.Duration

	// MaxTextChunk splits outbound text into chunks of at most this many
	// runes before sending. Zero disables chunking.
	MaxTextChunk int
}

// DefaultOptions returns the gateway defaults.
func DefaultOptions() Options {
	parts := 2 * runtime.GOMAXPROCS(0)
	if parts < 2 {
		parts = 2
	}
	return Options{
		Partitions:          parts,
		QueueCapacity:       128,
		Thresholds:          DefaultThresholds(),
		DegradedAction:      DegradedThrottle,
		DegradedDelay:       5 * time.Millisecond,
		ShedAction:          ShedDropLow,
		ShedDropPriorities:  []Priority{PriorityLow},
		MaxAttempts:         3,
		RetryBase:           25 * time.Millisecond,
		RetryMax:            500 * time.Millisecond,
		JitterFraction:      0.2,
		IdempotencyCapacity: 1000,
		SanitizeTimeout:     50 * time.Millisecond,
	}
}

func (o Options) sanitized() Options {
	def := DefaultOptions()
	if o.Partitions <= 0 {
		o.Partitions = def.Partitions
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = def.QueueCapacity
	}
	if !o.Thresholds.valid() {
		o.Thresholds = def.Thresholds
	}
	if o.DegradedAction != DegradedThrottle && o.DegradedAction != DegradedNone {
		o.DegradedAction = def.DegradedAction
	}
	if o.DegradedDelay <= 0 {
		o.DegradedDelay = def.DegradedDelay
	}
	if o.ShedAction != ShedDropLow && o.ShedAction != ShedNone {
		o.ShedAction = def.ShedAction
	}
	if len(o.ShedDropPriorities) == 0 {
		o.ShedDropPriorities = def.ShedDropPriorities
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = def.RetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = def.RetryMax
	}
	if o.JitterFraction <= 0 || o.JitterFraction > 1 {
		o.JitterFraction = def.JitterFraction
	}
	if o.IdempotencyCapacity <= 0 {
		o.IdempotencyCapacity = def.IdempotencyCapacity
	}
	if o.SanitizeTimeout <= 0 {
		o.SanitizeTimeout = def.SanitizeTimeout
	}
	return o
}

// Request is one outbound operation.
type Request struct {
	Operation Operation

	// Route is the primary target; its routing key pins the partition.
	Route models.Route
	// SessionKey drives route resolution inside the worker.
	SessionKey models.SessionKey
	// FallbackRoutes are consulted when the session has no fresh record.
	// Route is always appended as the final fallback.
	FallbackRoutes []models.Route

	Text  string
	Media []models.MediaContent
	// ExternalMessageID targets the platform message for edit operations.
	ExternalMessageID string

	// IdempotencyKey deduplicates replays of the same logical operation;
	// typically the internal message id, with an ":edit" suffix for edits.
	IdempotencyKey string
	Priority       Priority
	// MessageID is the internal message id, carried for telemetry.
	MessageID string
	Opts      bridge.SendOptions
}

// SuccessResponse acknowledges a delivered operation.
type SuccessResponse struct {
	Operation         Operation
	ExternalMessageID string
	Partition         int
	Attempts          int
	RoutingKey        string
	PressureLevel     PressureLevel
	Idempotent        bool
	RouteResolution   session.Resolution
	Sanitized         bool
	Meta              map[string]any
}

// ErrorResponse reports a failed operation.
type ErrorResponse struct {
	Category    ErrorCategory
	Disposition bridge.DispositionAction
	Reason      string
	Attempt     int
	MaxAttempts int
	Partition   int
	RoutingKey  string
	Retryable   bool
}

// DeliveryError wraps an ErrorResponse as an error.
type DeliveryError struct {
	Response ErrorResponse
	Cause    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("outbound %s failed: %s (%s, attempt %d/%d)",
		e.Response.RoutingKey, e.Response.Reason, e.Response.Category,
		e.Response.Attempt, e.Response.MaxAttempts)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

// FailedJob is handed to the dead-letter sink when a job is terminal or
// has exhausted its budget.
type FailedJob struct {
	Request  Request
	Response ErrorResponse
	FailedAt time.Time
}

// DeadLetterSink captures failed jobs. The dead-letter store implements it.
type DeadLetterSink interface {
	Capture(job FailedJob)
}

// BridgeResolver finds the live bridge for a bridge id.
type BridgeResolver func(bridgeID string) (*bridge.Bridge, bool)

// Gateway owns the partition workers.
type Gateway struct {
	opts       Options
	resolver   BridgeResolver
	sessions   *session.Store
	deadletter DeadLetterSink
	emitter    *observability.Emitter
	tracer     *observability.Tracer
	logger     *slog.Logger

	partitions []*partition

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a gateway and starts its partition workers.
func New(opts Options, resolver BridgeResolver, sessions *session.Store, sink DeadLetterSink, emitter *observability.Emitter, tracer *observability.Tracer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		opts:       opts.sanitized(),
		resolver:   resolver,
		sessions:   sessions,
		deadletter: sink,
		emitter:    emitter,
		tracer:     tracer,
		logger:     logger.With("component", "outbound_gateway"),
		ctx:        ctx,
		cancel:     cancel,
	}
	g.partitions = make([]*partition, g.opts.Partitions)
	for i := range g.partitions {
		p := newPartition(g, i)
		g.partitions[i] = p
		go p.run(ctx)
	}
	return g
}

// Close stops the partition workers. In-flight jobs fail with
// partition_unavailable.
func (g *Gateway) Close() {
	g.cancel()
}

// PartitionFor returns the partition index a routing key pins to.
func (g *Gateway) PartitionFor(routingKey string) int {
	h := fnv.New32a()
	h.Write([]byte(routingKey))
	return int(h.Sum32()) % len(g.partitions)
}

// QueueDepth reports one partition's current backlog.
func (g *Gateway) QueueDepth(partition int) int {
	if partition < 0 || partition >= len(g.partitions) {
		return 0
	}
	return len(g.partitions[partition].in)
}

// TotalQueueDepth reports the backlog across all partitions.
func (g *Gateway) TotalQueueDepth() int {
	total := 0
	for _, p := range g.partitions {
		total += len(p.in)
	}
	return total
}

// Dispatch enqueues the request on its pinned partition and waits for the
// outcome. Backpressure rejections (queue_full, load_shed) and duplicate
// hits return without touching the adapter.
func (g *Gateway) Dispatch(ctx context.Context, req Request) (*SuccessResponse, error) {
	if req.Operation == "" {
		req.Operation = OpSendMessage
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	routingKey := req.Route.RoutingKey()
	idx := g.PartitionFor(routingKey)
	p := g.partitions[idx]

	// Idempotent replay: reply from the cache without enqueueing.
	if req.IdempotencyKey != "" {
		if cached, ok := p.idem.get(req.IdempotencyKey); ok {
			res := *cached
			res.Idempotent = true
			g.emit(observability.Event{
				Name:          observability.EventDeliverySkippedDuplicate,
				CorrelationID: req.MessageID,
				Data:          map[string]any{"routing_key": routingKey, "partition": idx},
			})
			return &res, nil
		}
	}

	level := p.pressureOnEnqueue()

	// Shed: drop configured priorities above the shed threshold.
	if level == PressureShed && g.opts.ShedAction == ShedDropLow && g.sheds(req.Priority) {
		return nil, g.reject(req, idx, routingKey, ErrLoadShed)
	}

	j := &job{req: req, routingKey: routingKey, partition: idx, enqueuedLevel: level,
		result: make(chan outcome, 1)}

	select {
	case p.in <- j:
	default:
		return nil, g.reject(req, idx, routingKey, ErrQueueFull)
	}
	g.emit(observability.Event{
		Name:          observability.EventDeliveryQueued,
		CorrelationID: req.MessageID,
		Data: map[string]any{
			"routing_key": routingKey,
			"partition":   idx,
			"pressure":    string(level),
		},
	})

	select {
	case out := <-j.result:
		if out.err != nil {
			return nil, out.err
		}
		return out.success, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) sheds(p Priority) bool {
	for _, dp := range g.opts.ShedDropPriorities {
		if dp == p {
			return true
		}
	}
	return false
}

// reject builds the terminal backpressure rejection for an enqueue.
func (g *Gateway) reject(req Request, partition int, routingKey string, reason error) error {
	resp := ErrorResponse{
		Category:    CategoryTerminal,
		Disposition: bridge.DispositionDegrade,
		Reason:      reason.Error(),
		Attempt:     0,
		MaxAttempts: g.opts.MaxAttempts,
		Partition:   partition,
		RoutingKey:  routingKey,
	}
	g.capture(FailedJob{Request: req, Response: resp, FailedAt: time.Now()})
	g.emit(observability.Event{
		Name:          observability.EventDeliveryGaveUp,
		CorrelationID: req.MessageID,
		Data: map[string]any{
			"routing_key": routingKey,
			"partition":   partition,
			"reason":      reason.Error(),
		},
	})
	g.emit(observability.Event{
		Name:          observability.EventMessageFailed,
		CorrelationID: req.MessageID,
		Data: map[string]any{
			"routing_key": routingKey,
			"reason":      reason.Error(),
		},
	})
	return &DeliveryError{Response: resp, Cause: reason}
}

func (g *Gateway) capture(job FailedJob) {
	if g.deadletter != nil {
		g.deadletter.Capture(job)
	}
}

func (g *Gateway) emit(ev observability.Event) {
	if g.emitter != nil {
		g.emitter.Emit(ev)
	}
}

// classify maps a raw failure onto the gateway error taxonomy.
func classify(err error) ErrorCategory {
	switch {
	case errors.Is(err, ErrSanitizeRetry):
		return CategoryRetryable
	case errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrLoadShed),
		errors.Is(err, ErrSendFailed),
		errors.Is(err, ErrMissingExternalMessageID),
		errors.Is(err, bridge.ErrInvalidRequest),
		errors.Is(err, bridge.ErrMediaPolicyDenied),
		errors.Is(err, bridge.ErrUnsupported),
		errors.Is(err, bridge.ErrPolicyDenied):
		return CategoryTerminal
	case errors.Is(err, ErrPartitionUnavailable),
		errors.Is(err, bridge.ErrUnsupportedOperation):
		return CategoryFatal
	}

	switch bridge.ClassifyFailure(err) {
	case bridge.FailureRecoverable:
		return CategoryRetryable
	case bridge.FailureDegraded:
		return CategoryTerminal
	default:
		return CategoryFatal
	}
}

// disposition maps a category onto the action the caller should take.
func disposition(cat ErrorCategory) bridge.DispositionAction {
	switch cat {
	case CategoryRetryable:
		return bridge.DispositionRetry
	case CategoryTerminal:
		return bridge.DispositionDegrade
	default:
		return bridge.DispositionCrash
	}
}

// newLimiter builds the degraded-pressure throttle: one job per delay.
func newLimiter(delay time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(delay), 1)
}
