package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// FailureClass buckets raw adapter errors into the deterministic taxonomy
// every caller classifies against before propagation.
type FailureClass string

const (
	// FailureRecoverable covers transient conditions worth retrying:
	// network failures, timeouts, rate limits, upstream 5xx, task exits.
	FailureRecoverable FailureClass = "recoverable"
	// FailureDegraded covers conditions where the adapter works but the
	// requested feature does not: unsupported callbacks, policy denials.
	FailureDegraded FailureClass = "degraded"
	// FailureFatal covers contract violations and malformed requests.
	FailureFatal FailureClass = "fatal"
)

// DispositionAction is what the owning component should do with a failure.
type DispositionAction string

const (
	DispositionRetry   DispositionAction = "retry"
	DispositionDegrade DispositionAction = "degrade"
	DispositionCrash   DispositionAction = "crash"
)

// Sentinel errors forming the adapter failure vocabulary.
var (
	ErrUnsupported          = errors.New("unsupported")
	ErrUnsupportedMethod    = errors.New("unsupported_method")
	ErrUnsupportedOperation = errors.New("unsupported_operation")
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrInvalidReturn        = errors.New("invalid_return")
	ErrPolicyDenied         = errors.New("policy_denied")
	ErrMediaPolicyDenied    = errors.New("media_policy_denied")
	ErrRateLimited          = errors.New("rate_limited")
	ErrNetwork              = errors.New("network_error")
	ErrConnectionClosed     = errors.New("closed")
)

// HTTPError carries an upstream HTTP status for classification; responses
// with status >= 500 classify as recoverable.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// recoverableReasons match raw error text produced by adapters that do not
// use the sentinel vocabulary.
var recoverableReasons = []string{
	"timeout",
	"econnrefused",
	"connection refused",
	"nxdomain",
	"no such host",
	"network_error",
	"rate_limited",
	"rate limit",
	"connection reset",
}

// ClassifyFailure maps a raw adapter error onto the failure taxonomy.
// Unknown errors are fatal: an unclassifiable failure is a contract bug,
// not something to retry.
func ClassifyFailure(err error) FailureClass {
	if err == nil {
		return FailureRecoverable
	}

	var cb *CallbackError
	if errors.As(err, &cb) {
		return cb.Class
	}

	switch {
	case errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrUnsupportedMethod),
		errors.Is(err, ErrMediaPolicyDenied),
		errors.Is(err, ErrPolicyDenied):
		return FailureDegraded

	case errors.Is(err, ErrInvalidReturn),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnsupportedOperation):
		return FailureFatal

	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrNetwork),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return FailureRecoverable
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 || httpErr.StatusCode == 429 {
			return FailureRecoverable
		}
		return FailureFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureRecoverable
	}

	// Recovered panics and task exits are transient by contract.
	var pe *panicError
	if errors.As(err, &pe) {
		return FailureRecoverable
	}

	msg := strings.ToLower(err.Error())
	for _, reason := range recoverableReasons {
		if strings.Contains(msg, reason) {
			return FailureRecoverable
		}
	}

	return FailureFatal
}

// Disposition maps a failure class to the action its owner should take.
func Disposition(class FailureClass) DispositionAction {
	switch class {
	case FailureRecoverable:
		return DispositionRetry
	case FailureDegraded:
		return DispositionDegrade
	default:
		return DispositionCrash
	}
}

// CallbackError wraps an adapter callback failure (exception, panic, or
// non-conforming return) with its classification.
type CallbackError struct {
	Adapter     string
	Callback    string
	Class       FailureClass
	Disposition DispositionAction
	Reason      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback_failure: %s.%s (%s/%s): %v",
		e.Adapter, e.Callback, e.Class, e.Disposition, e.Reason)
}

func (e *CallbackError) Unwrap() error {
	return e.Reason
}

// newCallbackError classifies the reason and fills in the disposition.
func newCallbackError(adapter, callback string, reason error) *CallbackError {
	class := ClassifyFailure(reason)
	return &CallbackError{
		Adapter:     adapter,
		Callback:    callback,
		Class:       class,
		Disposition: Disposition(class),
		Reason:      reason,
	}
}
