package accounting

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaycore/ai-gateway/internal/domain"
	"github.com/relaycore/ai-gateway/internal/metrics"
	"github.com/relaycore/ai-gateway/internal/store"
)

const (
	debitAttempts = 3
	debitBackoff  = 50 * time.Millisecond
)

// Finalizer commits the durable outcome of a terminal request: the credit
// debit, the user's usage history, and the request-log row. The response
// has already been sent when Finalize runs, so everything here is
// best-effort except the debit, which is retried because it gates the
// user's next admission.
type Finalizer struct {
	users     *store.Users
	writer    *Writer
	metrics   *metrics.Registry
	log       *slog.Logger
	onOverrun func(userID string, overrun int64)
}

// FinalizerOptions configures a Finalizer. Metrics and OnOverrun may be nil.
type FinalizerOptions struct {
	Users   *store.Users
	Writer  *Writer
	Metrics *metrics.Registry
	Log     *slog.Logger
	// OnOverrun fires when a debit exceeded the remaining balance.
	OnOverrun func(userID string, overrun int64)
}

func NewFinalizer(opts FinalizerOptions) *Finalizer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Finalizer{
		users:     opts.Users,
		writer:    opts.Writer,
		metrics:   opts.Metrics,
		log:       log,
		onOverrun: opts.OnOverrun,
	}
}

// Finalize persists apiReq, which must be in a terminal state. Completed
// requests are debited for their final cost; failed ones cost nothing but
// still land in the log and the user's history.
func (f *Finalizer) Finalize(ctx context.Context, apiReq *domain.ApiRequest, user *domain.User) {
	if !apiReq.Terminal() {
		f.log.Error("finalize called on non-terminal request",
			slog.String("request_id", apiReq.ID),
			slog.String("status", string(apiReq.Status)))
		return
	}

	var overrun int64
	if apiReq.Status == domain.StatusCompleted && apiReq.Metrics.CreditsUsed > 0 {
		overrun = f.debit(ctx, apiReq, user)
	}

	if err := f.users.RecordUsage(ctx, apiReq.UserID, store.UsageRow{
		RequestID: apiReq.ID,
		Model:     apiReq.Model,
		Endpoint:  apiReq.Endpoint,
		Status:    string(apiReq.Status),
		Tokens:    int64(apiReq.Metrics.TokensUsed),
		Credits:   apiReq.Metrics.CreditsUsed,
		LatencyMs: apiReq.Metrics.LatencyMs,
		At:        apiReq.CompletedAt.Unix(),
	}); err != nil {
		f.log.Error("usage history update failed",
			slog.String("request_id", apiReq.ID),
			slog.String("user_id", apiReq.UserID),
			slog.String("error", err.Error()))
	}

	f.writer.Enqueue(RowFrom(apiReq, overrun))
}

// debit charges the final cost, retrying transport failures. The script
// clamps at the remaining balance; the uncovered remainder is the overrun.
func (f *Finalizer) debit(ctx context.Context, apiReq *domain.ApiRequest, user *domain.User) int64 {
	amount := apiReq.Metrics.CreditsUsed

	var (
		debited, overrun int64
		err              error
	)
	for attempt := 1; attempt <= debitAttempts; attempt++ {
		debited, overrun, err = f.users.DebitCredits(ctx, apiReq.UserID, amount)
		if err == nil {
			break
		}
		f.log.Warn("credit debit failed",
			slog.String("request_id", apiReq.ID),
			slog.String("user_id", apiReq.UserID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < debitAttempts {
			select {
			case <-time.After(debitBackoff):
			case <-ctx.Done():
				return 0
			}
		}
	}
	if err != nil {
		// The balance survives undercharged; the log row still carries the
		// full cost for reconciliation.
		f.log.Error("credit debit abandoned",
			slog.String("request_id", apiReq.ID),
			slog.String("user_id", apiReq.UserID),
			slog.Int64("amount", amount))
		return 0
	}

	if f.metrics != nil {
		f.metrics.AddCreditsDebited(user.Plan, debited)
	}
	if overrun > 0 {
		if f.metrics != nil {
			f.metrics.RecordBillingOverrun()
		}
		f.log.Warn("credit overrun",
			slog.String("request_id", apiReq.ID),
			slog.String("user_id", apiReq.UserID),
			slog.Int64("debited", debited),
			slog.Int64("overrun", overrun))
		if f.onOverrun != nil {
			f.onOverrun(apiReq.UserID, overrun)
		}
	}
	return overrun
}
