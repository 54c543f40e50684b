// Package dispatch runs the retry/exclusion loop: select a provider,
// reserve capacity, invoke the adapter, record the outcome, and either
// return the response or fail over. A provider is tried at most once per
// request; exclusion is monotone and there is no back-off between attempts.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaycore/ai-gateway/internal/adapters"
	"github.com/relaycore/ai-gateway/internal/balancer"
	"github.com/relaycore/ai-gateway/internal/domain"
	"github.com/relaycore/ai-gateway/internal/metrics"
)

const defaultMaxAttempts = 10

// Dispatcher drives one request through the balancer and an adapter.
type Dispatcher struct {
	balancer    *balancer.Balancer
	maxAttempts int
	metrics     *metrics.Registry
	log         *slog.Logger
}

// Options configures a Dispatcher. Metrics may be nil.
type Options struct {
	Balancer    *balancer.Balancer
	MaxAttempts int
	Metrics     *metrics.Registry
	Log         *slog.Logger
}

func New(opts Options) *Dispatcher {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		balancer:    opts.Balancer,
		maxAttempts: maxAttempts,
		metrics:     opts.Metrics,
		log:         log,
	}
}

// Result is a successful dispatch: the upstream response plus the choice
// that served it, for accounting.
type Result struct {
	Response *adapters.Response
	Choice   balancer.Choice
	Latency  time.Duration
	Attempts int
}

// Dispatch runs the attempt loop for apiReq. estTokens feeds capacity
// reservations. On success apiReq carries the serving provider ids and the
// attempt count; terminal status transitions are left to the caller, which
// knows the final usage numbers.
func (d *Dispatcher) Dispatch(ctx context.Context, apiReq *domain.ApiRequest, req *adapters.Request, estTokens int) (*Result, error) {
	if err := apiReq.StartProcessing(); err != nil {
		return nil, &Error{Kind: KindInternal, StatusCode: 500, Message: err.Error(), wrapped: err}
	}

	excluded := make(map[string]struct{})
	var lastErr *Error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		// Client gone: stop before burning another attempt.
		if err := ctx.Err(); err != nil {
			return nil, &Error{
				Kind:       KindUpstreamTimeout,
				StatusCode: 408,
				Message:    "request deadline reached before dispatch completed",
				wrapped:    err,
			}
		}

		choice, err := d.balancer.Select(req.Model, estTokens, excluded)
		if err != nil {
			break
		}
		providerID := choice.Provider.ID

		if !d.balancer.Admit(choice) {
			d.exclude(excluded, providerID, "circuit_open")
			continue
		}

		if !d.balancer.ReserveCapacity(choice, estTokens) {
			// The probe slot claimed by Admit must not stay stuck on a
			// reservation race.
			if choice.Sub != nil {
				choice.Sub.CancelProbe()
			}
			d.exclude(excluded, providerID, "reservation_failed")
			lastErr = &Error{
				Kind:       KindCapacityExhausted,
				StatusCode: 503,
				Message:    "provider capacity exhausted",
			}
			continue
		}

		apiReq.ProviderID = providerID
		apiReq.SubProviderID = choice.SubID()
		apiReq.RetryCount = attempt - 1

		result, derr := d.attempt(ctx, choice, apiReq.Endpoint, req)
		if derr == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = derr

		d.log.Warn("dispatch attempt failed",
			slog.String("request_id", apiReq.ID),
			slog.String("provider_id", providerID),
			slog.String("sub_provider_id", choice.SubID()),
			slog.Int("attempt", attempt),
			slog.String("kind", string(derr.Kind)),
			slog.String("error", derr.Message))

		// Client cancellation surfaces immediately; the timeout was already
		// recorded against the serving sub-provider.
		if ctx.Err() != nil {
			return nil, derr
		}

		if !derr.Retryable() {
			return nil, derr
		}
		d.exclude(excluded, providerID, string(derr.Kind))
	}

	if d.metrics != nil {
		d.metrics.RecordExhausted(req.Model)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &Error{
		Kind:       KindNoProviders,
		StatusCode: 503,
		Message:    "no providers available for model " + req.Model,
	}
}

// attempt runs one adapter call with the reserved capacity. The outcome is
// recorded against the choice before the reservation is released.
func (d *Dispatcher) attempt(ctx context.Context, choice balancer.Choice, endpoint string, req *adapters.Request) (result *Result, derr *Error) {
	defer d.balancer.ReleaseCapacity(choice)

	adapter, apiKey, err := d.balancer.AdapterFor(choice)
	if err != nil {
		d.balancer.RecordError(choice, string(KindInternal))
		return nil, &Error{Kind: KindInternal, StatusCode: 500, Message: err.Error(), wrapped: err}
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if choice.Provider.Timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > choice.Provider.Timeout {
			attemptCtx, cancel = context.WithTimeout(ctx, choice.Provider.Timeout)
			defer cancel()
		}
	}

	attemptReq := *req
	attemptReq.APIKey = apiKey
	if choice.Sub != nil {
		attemptReq.Model = choice.Sub.UpstreamModel(req.Model)
	}

	start := time.Now()
	resp, err := adapter.Invoke(attemptCtx, endpoint, &attemptReq)
	latency := time.Since(start)

	if err != nil {
		derr = Classify(err)
		d.balancer.RecordError(choice, string(derr.Kind))
		d.observe(choice, string(derr.Kind), latency)
		return nil, derr
	}

	d.balancer.RecordSuccess(choice, latency)
	d.observe(choice, "success", latency)
	return &Result{Response: resp, Choice: choice, Latency: latency}, nil
}

func (d *Dispatcher) exclude(excluded map[string]struct{}, providerID, reason string) {
	excluded[providerID] = struct{}{}
	if d.metrics != nil {
		d.metrics.RecordExclusion(providerID, reason)
	}
}

func (d *Dispatcher) observe(choice balancer.Choice, outcome string, latency time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveAttempt(choice.Provider.ID, outcome, latency)
	}
}

// IsNotFound reports whether err is a not-found classification.
func IsNotFound(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == KindNotFound
}
