// Package billing is a thin, best-effort usage reporter for the external
// billing ledger named out-of-scope in §1 — it reports metered usage to
// Stripe, it does not implement invoicing, subscriptions, or the ledger
// itself. Grounded in the teacher's internal/billing/engine.go, which
// calls the same stripe-go usagerecord API for per-tenant token billing;
// here it's repurposed to report GPU-hours against a per-user subscription
// item instead of LLM tokens.
package billing

import (
	"context"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"go.uber.org/zap"
)

// UsageReporter tracks instance runtime for metered billing. Implementations
// must tolerate the billing backend being unreachable — usage reporting is
// best-effort and must never block or fail instance lifecycle operations.
type UsageReporter interface {
	StartTracking(ctx context.Context, instanceID, subscriptionItemID string)
	StopTracking(ctx context.Context, instanceID string)
}

// StripeUsageReporter reports GPU-hour usage via Stripe's legacy metered
// subscription-item usage records API, matching the teacher's integration
// exactly (stripe.Key set once at construction, usagerecord.New per report).
type StripeUsageReporter struct {
	logger  *zap.Logger
	mu      sync.Mutex
	started map[string]trackedUsage
}

type trackedUsage struct {
	subscriptionItemID string
	startedAt          time.Time
}

// NewStripeUsageReporter configures the package-level stripe.Key exactly as
// the teacher's billing.Engine does, then returns a reporter ready to track
// instance runtime.
func NewStripeUsageReporter(stripeSecretKey string, logger *zap.Logger) *StripeUsageReporter {
	stripe.Key = stripeSecretKey
	return &StripeUsageReporter{
		logger:  logger,
		started: make(map[string]trackedUsage),
	}
}

// StartTracking records the instant an instance began running, so
// StopTracking can compute the billable duration.
func (r *StripeUsageReporter) StartTracking(ctx context.Context, instanceID, subscriptionItemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[instanceID] = trackedUsage{subscriptionItemID: subscriptionItemID, startedAt: time.Now().UTC()}
}

// StopTracking reports the accumulated runtime, in whole minutes, as a
// Stripe usage record increment. Failures are logged, never propagated —
// billing is explicitly out of the core instance lifecycle's critical path.
func (r *StripeUsageReporter) StopTracking(ctx context.Context, instanceID string) {
	r.mu.Lock()
	tracked, ok := r.started[instanceID]
	delete(r.started, instanceID)
	r.mu.Unlock()

	if !ok {
		return
	}

	minutes := int64(time.Since(tracked.startedAt).Round(time.Minute) / time.Minute)
	if minutes <= 0 {
		return
	}

	_, err := usagerecord.New(&stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		Quantity:         stripe.Int64(minutes),
		Timestamp:        stripe.Int64(time.Now().Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
		SubscriptionItem: stripe.String(tracked.subscriptionItemID),
	})
	if err != nil && r.logger != nil {
		r.logger.Warn("failed to report usage to billing backend",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
	}
}
