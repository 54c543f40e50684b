// Package gate makes the admission decision for one request: plan and
// permission checks, the lazy credit reset, the credit balance check, and
// the per-user request rate limit. It mutates nothing except the durable
// credit reset, which runs through the user repository.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycore/ai-gateway/internal/domain"
	"github.com/relaycore/ai-gateway/internal/metrics"
	"github.com/relaycore/ai-gateway/internal/ratelimit"
	"github.com/relaycore/ai-gateway/internal/store"
)

// Denial reasons, used as metric labels and error envelope codes.
const (
	ReasonDisabled            = "account_disabled"
	ReasonPlanExpired         = "plan_expired"
	ReasonModelNotAllowed     = "model_not_allowed"
	ReasonEndpointNotAllowed  = "endpoint_not_allowed"
	ReasonIPNotAllowed        = "ip_not_allowed"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonRateLimited         = "rate_limited"
)

// Denial is a rejected admission. StatusCode maps directly to the HTTP
// response; RetryAfter is set for rate-limit denials.
type Denial struct {
	Reason     string
	Message    string
	StatusCode int
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	return fmt.Sprintf("gate: %s: %s", d.Reason, d.Message)
}

// HTTPStatus implements the status-coder convention used at the HTTP boundary.
func (d *Denial) HTTPStatus() int { return d.StatusCode }

// Gate bundles the admission dependencies.
type Gate struct {
	users   *store.Users
	limiter *ratelimit.UserLimiter
	metrics *metrics.Registry
	log     *slog.Logger
}

// New creates a Gate. metrics may be nil in tests.
func New(users *store.Users, limiter *ratelimit.UserLimiter, reg *metrics.Registry, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{users: users, limiter: limiter, metrics: reg, log: log}
}

// Admission is the input to one gate decision.
type Admission struct {
	User       *domain.User
	Model      string
	Endpoint   string
	ClientIP   string
	EstCredits int64
}

// Admit runs the full admission sequence. The lazy credit reset executes
// before the balance check so a stale window cannot starve a paid-up tenant.
func (g *Gate) Admit(ctx context.Context, adm Admission) error {
	user := adm.User

	if err := g.AuthorizeModel(user, adm.Model, adm.Endpoint, adm.ClientIP); err != nil {
		return err
	}

	if err := g.AuthorizeCredits(ctx, user, adm.EstCredits); err != nil {
		return err
	}

	allowed, retryAfter, err := g.limiter.Allow(ctx, user.ID, user.RateLimit)
	if err != nil {
		return fmt.Errorf("gate: rate limit check: %w", err)
	}
	if !allowed {
		return g.deny(&Denial{
			Reason:     ReasonRateLimited,
			Message:    fmt.Sprintf("rate limit of %d requests per minute exceeded", user.RateLimit),
			StatusCode: 429,
			RetryAfter: retryAfter,
		})
	}

	return nil
}

// AuthorizeModel checks the static plan permissions: account enabled, plan
// current, model, endpoint and caller IP allowed.
func (g *Gate) AuthorizeModel(user *domain.User, model, endpoint, clientIP string) error {
	now := time.Now()

	if !user.Enabled {
		return g.deny(&Denial{
			Reason:     ReasonDisabled,
			Message:    "account is disabled",
			StatusCode: 403,
		})
	}
	if user.PlanExpired(now) {
		return g.deny(&Denial{
			Reason:     ReasonPlanExpired,
			Message:    "plan has expired",
			StatusCode: 403,
		})
	}
	if !user.ModelAllowed(model) {
		return g.deny(&Denial{
			Reason:     ReasonModelNotAllowed,
			Message:    fmt.Sprintf("model %q is not included in the current plan", model),
			StatusCode: 403,
		})
	}
	if !user.EndpointAllowed(endpoint) {
		return g.deny(&Denial{
			Reason:     ReasonEndpointNotAllowed,
			Message:    fmt.Sprintf("endpoint %s is not included in the current plan", endpoint),
			StatusCode: 403,
		})
	}
	if !user.IPAllowed(clientIP) {
		return g.deny(&Denial{
			Reason:     ReasonIPNotAllowed,
			Message:    "caller address is not whitelisted",
			StatusCode: 403,
		})
	}
	return nil
}

// AuthorizeCredits runs the lazy reset when due, then verifies the live
// balance covers the estimate.
func (g *Gate) AuthorizeCredits(ctx context.Context, user *domain.User, estCredits int64) error {
	if user.ResetDue(time.Now()) {
		ran, err := g.users.ResetCredits(ctx, user.ID, user.Allowance, domain.PlanInterval(user.Plan), time.Now())
		if err != nil {
			g.log.Warn("lazy credit reset failed",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()))
		} else if ran {
			user.Credits = user.Allowance
			user.CreditsLastReset = time.Now()
			g.log.Info("credits reset",
				slog.String("user_id", user.ID),
				slog.String("plan", user.Plan),
				slog.Int64("allowance", user.Allowance))
		}
	}

	balance, err := g.users.Credits(ctx, user.ID)
	if err != nil {
		// Store unreachable: fall back to the snapshot rather than reject.
		balance = user.Credits
	}

	if balance < estCredits {
		return g.deny(&Denial{
			Reason:     ReasonInsufficientCredits,
			Message:    fmt.Sprintf("estimated cost %d exceeds remaining credits %d", estCredits, balance),
			StatusCode: 402,
		})
	}
	return nil
}

func (g *Gate) deny(d *Denial) error {
	if g.metrics != nil {
		g.metrics.RecordAdmissionDenial(d.Reason)
	}
	return d
}
