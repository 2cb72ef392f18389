// Package lifecycle runs the per-connection state machine: connect, probe
// health, reconnect with bounded backoff, and surface status snapshots.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentjido/jido-messaging/internal/bridge"
	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/retry"
)

// State is the connection state of one instance.
type State string

const (
	StateStarting     State = "starting"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
	StateStopped      State = "stopped"
)

// ErrReconnectExhausted terminates the lifecycle after the reconnect budget
// is spent; the owning supervisor decides whether to restart the subtree.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ReconnectPolicy bounds reconnect attempts after a recoverable failure.
type ReconnectPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultReconnectPolicy returns 5 attempts, 250ms to 5s backoff, ±20%
// jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    5,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
	}
}

// Options tunes one lifecycle instance.
type Options struct {
	// ProbeInterval overrides the bridge's probe cadence when positive.
	ProbeInterval time.Duration
	Reconnect     ReconnectPolicy

	// Connect establishes the external connection. Nil means the adapter
	// needs no explicit connect step.
	Connect func(ctx context.Context) error
	// QueueDepth reports the instance's sender backlog for status
	// snapshots. Nil reports zero.
	QueueDepth func() int
}

func (o Options) sanitized(br *bridge.Bridge) Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = br.ProbeInterval()
	}
	def := DefaultReconnectPolicy()
	if o.Reconnect.MaxAttempts <= 0 {
		o.Reconnect.MaxAttempts = def.MaxAttempts
	}
	if o.Reconnect.InitialDelay <= 0 {
		o.Reconnect.InitialDelay = def.InitialDelay
	}
	if o.Reconnect.MaxDelay <= 0 {
		o.Reconnect.MaxDelay = def.MaxDelay
	}
	if o.Reconnect.JitterFraction <= 0 {
		o.Reconnect.JitterFraction = def.JitterFraction
	}
	return o
}

// Status is a point-in-time snapshot of one instance.
type Status struct {
	State               State
	InstanceID          string
	UptimeMS            int64
	ConnectedAt         time.Time
	LastError           string
	ConsecutiveFailures int
	SenderQueueDepth    int
}

// Instance is the lifecycle of one external connection.
type Instance struct {
	id      string
	bridge  *bridge.Bridge
	opts    Options
	emitter *observability.Emitter
	logger  *slog.Logger

	mu                  sync.Mutex
	state               State
	connectedAt         time.Time
	lastError           string
	consecutiveFailures int
}

// NewInstance builds a lifecycle for one bridge connection.
func NewInstance(id string, br *bridge.Bridge, opts Options, emitter *observability.Emitter, logger *slog.Logger) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instance{
		id:      id,
		bridge:  br,
		opts:    opts.sanitized(br),
		emitter: emitter,
		logger:  logger.With("component", "lifecycle", "instance_id", id),
		state:   StateStarting,
	}
}

// Status returns a snapshot.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	var uptime int64
	if i.state == StateConnected && !i.connectedAt.IsZero() {
		uptime = time.Since(i.connectedAt).Milliseconds()
	}
	depth := 0
	if i.opts.QueueDepth != nil {
		depth = i.opts.QueueDepth()
	}
	return Status{
		State:               i.state,
		InstanceID:          i.id,
		UptimeMS:            uptime,
		ConnectedAt:         i.connectedAt,
		LastError:           i.lastError,
		ConsecutiveFailures: i.consecutiveFailures,
		SenderQueueDepth:    depth,
	}
}

// Run drives the state machine until the context is canceled or the
// lifecycle hits a terminal condition. Shaped as a supervisor child.
func (i *Instance) Run(ctx context.Context) error {
	i.setState(StateStarting, nil)
	i.emitState(observability.EventInstanceStarted, nil)

	if err := i.connect(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(i.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			i.setState(StateStopped, nil)
			i.emitState(observability.EventInstanceStopped, nil)
			return nil
		case <-ticker.C:
			if err := i.probe(ctx); err != nil {
				return err
			}
		}
	}
}

// connect transitions through connecting into connected, applying the
// reconnect policy on recoverable failures. Fatal failures stop the loop
// via the permanent-error sentinel.
func (i *Instance) connect(ctx context.Context) error {
	i.setState(StateConnecting, nil)
	i.emitState(observability.EventInstanceConnecting, nil)

	pol := i.opts.Reconnect
	attempt := 0
	res := retry.Do(ctx, retry.Config{
		MaxAttempts:    pol.MaxAttempts,
		InitialDelay:   pol.InitialDelay,
		MaxDelay:       pol.MaxDelay,
		Factor:         2.0,
		JitterFraction: pol.JitterFraction,
	}, func() error {
		attempt++
		if attempt > 1 {
			i.emitState(observability.EventInstanceReconnectAttempt, map[string]any{"attempt": attempt})
		}
		err := i.tryConnect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}

		class := bridge.ClassifyFailure(err)
		i.recordFailure(err)
		i.logger.Warn("connect attempt failed", "attempt", attempt, "class", string(class), "error", err)
		i.emitState(observability.EventInstanceReconnectFailed, map[string]any{
			"attempt": attempt,
			"class":   string(class),
			"reason":  err.Error(),
		})
		if class == bridge.FailureFatal {
			return retry.Permanent(err)
		}
		if attempt < pol.MaxAttempts {
			i.emitState(observability.EventInstanceReconnectScheduled, map[string]any{
				"attempt": attempt,
				// Nominal delay; the loop jitters the actual sleep.
				"delay_ms": retry.Backoff(attempt, pol.InitialDelay, pol.MaxDelay, 2.0).Milliseconds(),
			})
		}
		return err
	})

	switch {
	case res.Err == nil:
		i.mu.Lock()
		i.state = StateConnected
		i.connectedAt = time.Now()
		i.consecutiveFailures = 0
		i.lastError = ""
		i.mu.Unlock()
		i.emitState(observability.EventInstanceConnected, nil)
		return nil

	case ctx.Err() != nil:
		i.setState(StateStopped, nil)
		return nil

	case retry.IsRetryable(res.Err):
		i.setState(StateError, res.Err)
		i.emitState(observability.EventInstanceReconnectExhausted, map[string]any{
			"attempts": res.Attempts,
			"reason":   res.Err.Error(),
		})
		return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, res.Attempts, res.Err)

	default:
		i.setState(StateError, res.Err)
		i.emitState(observability.EventInstanceError, map[string]any{"reason": res.Err.Error()})
		return fmt.Errorf("connect: %w", res.Err)
	}
}

func (i *Instance) tryConnect(ctx context.Context) error {
	if i.opts.Connect != nil {
		if err := i.opts.Connect(ctx); err != nil {
			return err
		}
	}
	return i.bridge.CheckHealth(ctx)
}

// probe runs one health check and applies the classification policy.
func (i *Instance) probe(ctx context.Context) error {
	err := i.bridge.CheckHealth(ctx)
	i.emitState(observability.EventInstanceHealthProbe, map[string]any{"healthy": err == nil})
	if err == nil {
		i.mu.Lock()
		wasDown := i.state != StateConnected
		i.state = StateConnected
		if wasDown || i.connectedAt.IsZero() {
			i.connectedAt = time.Now()
		}
		i.consecutiveFailures = 0
		i.lastError = ""
		i.mu.Unlock()
		if wasDown {
			i.emitState(observability.EventInstanceConnected, nil)
		}
		return nil
	}

	i.recordFailure(err)
	switch bridge.ClassifyFailure(err) {
	case bridge.FailureRecoverable:
		i.logger.Warn("health probe failed, reconnecting", "error", err)
		i.setState(StateDisconnected, err)
		i.emitState(observability.EventInstanceDisconnected, map[string]any{"reason": err.Error()})
		return i.connect(ctx)

	case bridge.FailureDegraded:
		// The adapter responds but the probe feature is impaired; stay
		// disconnected and keep probing on the normal cadence.
		i.setState(StateDisconnected, err)
		i.emitState(observability.EventInstanceDisconnected, map[string]any{
			"reason":   err.Error(),
			"degraded": true,
		})
		return nil

	default:
		i.setState(StateError, err)
		i.emitState(observability.EventInstanceError, map[string]any{"reason": err.Error()})
		return fmt.Errorf("health probe: %w", err)
	}
}

func (i *Instance) recordFailure(err error) {
	i.mu.Lock()
	i.consecutiveFailures++
	i.lastError = err.Error()
	i.mu.Unlock()
}

func (i *Instance) setState(s State, err error) {
	i.mu.Lock()
	i.state = s
	if err != nil {
		i.lastError = err.Error()
	}
	i.mu.Unlock()
}

func (i *Instance) emitState(name observability.EventName, data map[string]any) {
	if i.emitter == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["instance_id"] = i.id
	i.emitter.Emit(observability.Event{Name: name, Data: data})
}
