package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaycore/ai-gateway/internal/adapters"
)

// Kind is the gateway-level error taxonomy. Every failure surfaced to a
// caller or recorded against a provider carries exactly one Kind.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindParse                 Kind = "parse"
	KindAuthentication        Kind = "authentication"
	KindAuthorization         Kind = "authorization"
	KindInsufficientCredits   Kind = "insufficient_credits"
	KindNotFound              Kind = "not_found"
	KindUpstreamTimeout       Kind = "upstream_timeout"
	KindUpstream5xx           Kind = "upstream_5xx"
	KindUpstreamRateLimited   Kind = "upstream_rate_limited"
	KindUpstreamContentPolicy Kind = "upstream_content_policy"
	KindNoProviders           Kind = "no_providers_available"
	KindCapacityExhausted     Kind = "capacity_exhausted"
	KindInternal              Kind = "internal"
)

// Error is a classified dispatch failure. StatusCode is the status the
// gateway returns to the caller, not the upstream's.
type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	wrapped    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// HTTPStatus implements the status-coder convention used at the HTTP boundary.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether the loop may fail over to another provider.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstreamTimeout, KindUpstream5xx, KindUpstreamRateLimited, KindCapacityExhausted:
		return true
	}
	return false
}

// Classify maps an adapter failure to the gateway taxonomy. Context
// termination becomes upstream_timeout; unknown errors become internal.
func Classify(err error) *Error {
	var ae *adapters.Error
	if errors.As(err, &ae) {
		return fromAdapterError(ae)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{
			Kind:       KindUpstreamTimeout,
			StatusCode: 408,
			Message:    "upstream call timed out",
			wrapped:    err,
		}
	}
	return &Error{
		Kind:       KindInternal,
		StatusCode: 500,
		Message:    err.Error(),
		wrapped:    err,
	}
}

func fromAdapterError(ae *adapters.Error) *Error {
	e := &Error{Message: ae.Message, RetryAfter: ae.RetryAfter, wrapped: ae}

	switch ae.Kind {
	case adapters.KindTimeout:
		e.Kind = KindUpstreamTimeout
		e.StatusCode = 408
	case adapters.KindServer:
		e.Kind = KindUpstream5xx
		e.StatusCode = 502
	case adapters.KindRateLimited:
		e.Kind = KindUpstreamRateLimited
		e.StatusCode = 503
	case adapters.KindContentPolicy:
		e.Kind = KindUpstreamContentPolicy
		e.StatusCode = 403
	case adapters.KindNotFound:
		e.Kind = KindNotFound
		e.StatusCode = 404
	case adapters.KindInvalid:
		e.Kind = KindValidation
		e.StatusCode = 400
	case adapters.KindAuth:
		// An upstream key rejection is a gateway configuration fault, not
		// the caller's.
		e.Kind = KindInternal
		e.StatusCode = 500
	default:
		e.Kind = KindInternal
		e.StatusCode = 500
	}
	return e
}
