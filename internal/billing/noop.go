package billing

import "context"

// NoopUsageReporter satisfies UsageReporter without talking to Stripe, used
// when config.BillingConfig.Enabled is false.
type NoopUsageReporter struct{}

func (NoopUsageReporter) StartTracking(ctx context.Context, instanceID, subscriptionItemID string) {}
func (NoopUsageReporter) StopTracking(ctx context.Context, instanceID string)                      {}
