package gateway

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/retry"
	"github.com/agentjido/jido-messaging/internal/session"
	"github.com/agentjido/jido-messaging/pkg/models"
)

type outcome struct {
	success *SuccessResponse
	err     error
}

type job struct {
	req           Request
	routingKey    string
	partition     int
	enqueuedLevel PressureLevel
	result        chan outcome
}

// partition is one FIFO worker lane. A routing key always lands on the same
// partition, so ordering per {bridge, external room} is total, retries
// included: the worker blocks through backoff rather than reordering.
type partition struct {
	g     *Gateway
	index int
	in    chan *job
	idem  *idemCache

	throttle *rate.Limiter

	mu    sync.Mutex
	level PressureLevel
}

func newPartition(g *Gateway, index int) *partition {
	return &partition{
		g:        g,
		index:    index,
		in:       make(chan *job, g.opts.QueueCapacity),
		idem:     newIdemCache(g.opts.IdempotencyCapacity),
		throttle: newLimiter(g.opts.DegradedDelay),
		level:    PressureNormal,
	}
}

// pressureOnEnqueue recomputes the level as if one more job were queued and
// emits a telemetry transition when the level changes.
func (p *partition) pressureOnEnqueue() PressureLevel {
	ratio := float64(len(p.in)+1) / float64(cap(p.in))
	return p.setLevel(p.levelFor(ratio))
}

func (p *partition) pressureAfterDequeue() {
	ratio := float64(len(p.in)) / float64(cap(p.in))
	p.setLevel(p.levelFor(ratio))
}

func (p *partition) levelFor(ratio float64) PressureLevel {
	t := p.g.opts.Thresholds
	switch {
	case ratio >= t.Shed:
		return PressureShed
	case ratio >= t.Degraded:
		return PressureDegraded
	case ratio >= t.Warn:
		return PressureWarn
	default:
		return PressureNormal
	}
}

func (p *partition) setLevel(next PressureLevel) PressureLevel {
	p.mu.Lock()
	prev := p.level
	p.level = next
	p.mu.Unlock()
	if prev != next {
		p.g.emit(observability.Event{
			Name: observability.EventGatewayPressure,
			Data: map[string]any{
				"partition": p.index,
				"from":      string(prev),
				"to":        string(next),
				"depth":     len(p.in),
				"capacity":  cap(p.in),
			},
		})
	}
	return next
}

func (p *partition) currentLevel() PressureLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *partition) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain(ctx)
			return
		case j := <-p.in:
			p.process(ctx, j)
			p.pressureAfterDequeue()
		}
	}
}

// drain fails queued jobs when the gateway shuts down.
func (p *partition) drain(ctx context.Context) {
	for {
		select {
		case j := <-p.in:
			j.result <- outcome{err: &DeliveryError{
				Response: ErrorResponse{
					Category:    CategoryFatal,
					Disposition: bridge.DispositionCrash,
					Reason:      ErrPartitionUnavailable.Error(),
					MaxAttempts: p.g.opts.MaxAttempts,
					Partition:   p.index,
					RoutingKey:  j.routingKey,
				},
				Cause: ErrPartitionUnavailable,
			}}
		default:
			return
		}
	}
}

// process runs the attempt loop for one job. Retries stay on this
// goroutine so the partition's FIFO order survives them.
func (p *partition) process(ctx context.Context, j *job) {
	if p.degraded() {
		if err := p.throttle.Wait(ctx); err != nil {
			j.result <- outcome{err: ctx.Err()}
			return
		}
	}

	for attempt := 1; attempt <= p.g.opts.MaxAttempts; attempt++ {
		res, err := p.attempt(ctx, j, attempt)
		if err == nil {
			if j.req.IdempotencyKey != "" {
				p.idem.put(j.req.IdempotencyKey, res)
			}
			p.g.emit(observability.Event{
				Name:          observability.EventMessageSent,
				CorrelationID: j.req.MessageID,
				Data: map[string]any{
					"routing_key": j.routingKey,
					"partition":   p.index,
					"attempts":    attempt,
				},
			})
			j.result <- outcome{success: res}
			return
		}

		cat := classify(err)
		if cat != CategoryRetryable || attempt >= p.g.opts.MaxAttempts {
			p.giveUp(j, cat, attempt, err)
			return
		}

		delay := retry.BackoffWithJitter(attempt, p.g.opts.RetryBase, p.g.opts.RetryMax,
			2.0, p.g.opts.JitterFraction)
		p.g.emit(observability.Event{
			Name:          observability.EventDeliveryRetryScheduled,
			CorrelationID: j.req.MessageID,
			Data: map[string]any{
				"routing_key": j.routingKey,
				"partition":   p.index,
				"attempt":     attempt,
				"delay_ms":    delay.Milliseconds(),
			},
		})
		select {
		case <-ctx.Done():
			p.giveUp(j, CategoryFatal, attempt, ErrPartitionUnavailable)
			return
		case <-time.After(delay):
		}
	}
}

func (p *partition) degraded() bool {
	level := p.currentLevel()
	return p.g.opts.DegradedAction == DegradedThrottle &&
		(level == PressureDegraded || level == PressureShed)
}

// attempt performs one dispatch: resolve the route, sanitize, call the
// adapter.
func (p *partition) attempt(ctx context.Context, j *job, attempt int) (res *SuccessResponse, err error) {
	req := j.req

	if p.g.tracer != nil {
		spanCtx, span := p.g.tracer.StartDispatch(ctx, string(req.Operation), j.routingKey, p.index, attempt)
		defer func() { observability.EndSpan(span, err) }()
		ctx = spanCtx
	}

	p.g.emit(observability.Event{
		Name:          observability.EventDeliveryAttempt,
		CorrelationID: req.MessageID,
		Data: map[string]any{
			"routing_key": j.routingKey,
			"partition":   p.index,
			"attempt":     attempt,
			"operation":   string(req.Operation),
		},
	})

	// 1. Route resolution. The request's own route is the last-resort
	// fallback, so resolution cannot come back empty.
	fallbacks := append(append([]models.Route{}, req.FallbackRoutes...), req.Route)
	resolution := session.Resolution{Route: req.Route, Source: session.SourceFallback, Fallback: true, OK: true}
	if p.g.sessions != nil {
		resolution = p.g.sessions.Resolve(req.SessionKey, fallbacks)
	}
	route := resolution.Route

	br, ok := p.g.resolver(route.BridgeID)
	if !ok {
		err = ErrSendFailed
		return nil, err
	}

	// 2. Outbound sanitization (text operations only).
	text := req.Text
	sanitized := false
	if text != "" {
		var serr error
		text, serr = p.sanitize(ctx, br, text)
		if serr != nil {
			err = serr
			return nil, err
		}
		sanitized = text != req.Text
	}

	// 3. Adapter call.
	var result *bridge.SendResult
	result, err = p.callAdapter(ctx, br, req, route, text)
	if err != nil {
		return nil, err
	}

	return &SuccessResponse{
		Operation:         req.Operation,
		ExternalMessageID: result.MessageID,
		Partition:         p.index,
		Attempts:          attempt,
		RoutingKey:        j.routingKey,
		PressureLevel:     j.enqueuedLevel,
		RouteResolution:   resolution,
		Sanitized:         sanitized,
		Meta:              result.Meta,
	}, nil
}

// sanitize runs the adapter's outbound sanitizer inside a bounded task.
func (p *partition) sanitize(ctx context.Context, br *bridge.Bridge, text string) (string, error) {
	type res struct {
		out string
		err error
	}
	sctx, cancel := context.WithTimeout(ctx, p.g.opts.SanitizeTimeout)
	defer cancel()

	ch := make(chan res, 1)
	go func() {
		out, err := br.SanitizeOutbound(sctx, text)
		ch <- res{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-sctx.Done():
		// A sanitize timeout is transient.
		return "", bridge.ErrNetwork
	}
}

// callAdapter dispatches the operation, chunking over-limit text for plain
// sends.
func (p *partition) callAdapter(ctx context.Context, br *bridge.Bridge, req Request, route models.Route, text string) (*bridge.SendResult, error) {
	opts := req.Opts
	if opts.ThreadID == "" && route.ThreadID != "" {
		opts.ThreadID = route.ThreadID
	}

	switch req.Operation {
	case OpSendMessage:
		chunks := chunkText(text, p.g.opts.MaxTextChunk)
		var last *bridge.SendResult
		for _, chunk := range chunks {
			res, err := br.SendMessage(ctx, route.ExternalRoomID, chunk, opts)
			if err != nil {
				return nil, err
			}
			last = res
		}
		if last == nil {
			return nil, bridge.ErrInvalidRequest
		}
		if last.MessageID == "" {
			return nil, ErrMissingExternalMessageID
		}
		return last, nil

	case OpEditMessage:
		if req.ExternalMessageID == "" {
			return nil, ErrMissingExternalMessageID
		}
		return br.EditMessage(ctx, route.ExternalRoomID, req.ExternalMessageID, text, opts)

	case OpSendMedia:
		if len(req.Media) == 0 {
			return nil, bridge.ErrInvalidRequest
		}
		return br.SendMedia(ctx, route.ExternalRoomID, req.Media, opts)

	case OpEditMedia:
		if req.ExternalMessageID == "" {
			return nil, ErrMissingExternalMessageID
		}
		return br.EditMedia(ctx, route.ExternalRoomID, req.ExternalMessageID, req.Media, opts)

	default:
		return nil, bridge.ErrUnsupportedOperation
	}
}

// giveUp finishes a job as failed: dead-letter handoff, telemetry, error
// response to the caller.
func (p *partition) giveUp(j *job, cat ErrorCategory, attempt int, cause error) {
	reason := cause.Error()
	var cb *bridge.CallbackError
	if errors.As(cause, &cb) {
		reason = cb.Reason.Error()
	}
	resp := ErrorResponse{
		Category:    cat,
		Disposition: disposition(cat),
		Reason:      reason,
		Attempt:     attempt,
		MaxAttempts: p.g.opts.MaxAttempts,
		Partition:   p.index,
		RoutingKey:  j.routingKey,
		Retryable:   cat == CategoryRetryable,
	}
	p.g.capture(FailedJob{Request: j.req, Response: resp, FailedAt: time.Now()})
	p.g.emit(observability.Event{
		Name:          observability.EventDeliveryGaveUp,
		CorrelationID: j.req.MessageID,
		Data: map[string]any{
			"routing_key": j.routingKey,
			"partition":   p.index,
			"category":    string(cat),
			"reason":      reason,
		},
	})
	p.g.emit(observability.Event{
		Name:          observability.EventMessageFailed,
		CorrelationID: j.req.MessageID,
		Data: map[string]any{
			"routing_key": j.routingKey,
			"category":    string(cat),
			"reason":      reason,
		},
	})
	j.result <- outcome{err: &DeliveryError{Response: resp, Cause: cause}}
}

// chunkText splits text into rune-bounded chunks. limit <= 0 disables
// splitting.
func chunkText(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// idemCache is a bounded LRU of idempotency key to delivered result.
type idemCache struct {
	mu    sync.Mutex
	cap   int
	items map[string]*list.Element
	order *list.List // front = most recent
}

type idemEntry struct {
	key string
	res *SuccessResponse
}

func newIdemCache(capacity int) *idemCache {
	return &idemCache{
		cap:   capacity,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (c *idemCache) get(key string) (*SuccessResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*idemEntry).res, true
}

func (c *idemCache) put(key string, res *SuccessResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*idemEntry).res = res
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&idemEntry{key: key, res: res})
	c.items[key] = el
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*idemEntry).key)
	}
}

func (c *idemCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
