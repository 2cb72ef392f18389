package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentjido/jido-messaging/pkg/models"
)

// GateDecision is a gater's verdict: allow, or deny with a reason.
type GateDecision struct {
	Allow       bool
	Reason      string
	Description string
}

// Allow is the accepting gate decision.
func Allow() GateDecision { return GateDecision{Allow: true} }

// Deny builds a denying gate decision.
func Deny(reason, description string) GateDecision {
	return GateDecision{Reason: reason, Description: description}
}

// Gater screens a message before moderation. The first deny short-circuits
// the ingest.
type Gater interface {
	Name() string
	Gate(ctx context.Context, msg *models.Message) (GateDecision, error)
}

// ModerationAction is a moderator's verdict.
type ModerationAction string

const (
	ModerationAllow  ModerationAction = "allow"
	ModerationFlag   ModerationAction = "flag"
	ModerationModify ModerationAction = "modify"
	ModerationReject ModerationAction = "reject"
)

// Moderation is a moderator's result. Message is set for ModerationModify.
type Moderation struct {
	Action      ModerationAction
	Reason      string
	Description string
	Message     *models.Message
}

// Moderator inspects and may rewrite a message. Reject short-circuits;
// flag and modify accumulate.
type Moderator interface {
	Name() string
	Moderate(ctx context.Context, msg *models.Message) (Moderation, error)
}

// PolicyFallback maps a hook timeout or crash onto an outcome.
type PolicyFallback string

const (
	FallbackDeny          PolicyFallback = "deny"
	FallbackAllowWithFlag PolicyFallback = "allow_with_flag"
)

// PolicyDeniedError fails an ingest at a policy stage.
type PolicyDeniedError struct {
	Stage       string // "security", "gating", "moderation", "media"
	Reason      string
	Description string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy_denied: %s (%s)", e.Stage, e.Reason)
}

// errHookTimeout marks a policy hook that exceeded its budget.
var errHookTimeout = errors.New("policy hook timeout")

// runBounded executes fn on its own goroutine with a deadline, surviving
// hook panics. The hook keeps running past the deadline but its result is
// discarded.
func runBounded[T any](ctx context.Context, budget time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	hctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- outcome{val: zero, err: fmt.Errorf("policy hook panicked: %v", r)}
			}
		}()
		v, err := fn(hctx)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.val, out.err
	case <-hctx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, errHookTimeout
	}
}
