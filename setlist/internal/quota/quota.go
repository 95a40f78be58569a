// Package quota implements admission control against per-period usage limits.
//
// Check and Record are deliberately separate calls, so the limit is soft:
// concurrent admitted requests may overshoot it by the number in flight.
// Counter store failures never escape this package. Check fails open with a
// degraded decision and Record only reports the failure.
package quota

import (
	"context"
	"time"

	"go_setlist/setlist/internal/apperr"
	"go_setlist/setlist/internal/clock"
	"go_setlist/setlist/internal/metrics"
	"go_setlist/setlist/internal/models"
	"go_setlist/setlist/internal/plan"
	"go_setlist/setlist/internal/usage"

	"go.uber.org/zap"
)

// DefaultStoreTimeout bounds each counter store call.
const DefaultStoreTimeout = 2 * time.Second

// RecordResult reports the outcome of a best-effort Record.
type RecordResult struct {
	Degraded bool
}

// Controller answers admission questions and records consumption.
type Controller struct {
	policy  *plan.Policy
	store   usage.Store
	clock   clock.Clock
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewController creates a controller. A zero timeout selects
// DefaultStoreTimeout; logger and m may be nil.
func NewController(policy *plan.Policy, store usage.Store, clk clock.Clock, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Controller {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		policy:  policy,
		store:   store,
		clock:   clk,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// Check reads current usage of kind and decides whether one more unit is
// admitted. It never returns an error: a failed or slow read yields an
// allowed, degraded decision. A kind without a configured limit is treated the
// same way.
func (c *Controller) Check(ctx context.Context, kind models.CounterKind) models.QuotaDecision {
	now := c.clock.Now()

	limit, ok := c.policy.LimitFor(kind)
	if !ok {
		c.logger.Error("quota check for unconfigured kind", zap.String("kind", string(kind)))
		period := models.PeriodAt(now, models.GranularityMonthly)
		return degraded(kind, period, models.Limit{Kind: kind})
	}

	period := models.PeriodAt(now, limit.Granularity)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	current, err := c.store.ReadTotal(ctx, kind, period)
	c.metrics.RecordStoreLatency("read", time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("usage read failed, failing open",
			zap.String("kind", string(kind)),
			zap.Time("period_start", period.Start),
			zap.Error(err),
		)
		c.metrics.RecordStoreFailure(string(kind), "check")
		d := degraded(kind, period, limit)
		c.metrics.RecordDecision(string(kind), d.Allowed, d.WarningTriggered, d.Degraded)
		return d
	}

	d := decide(kind, period, limit, current)
	c.metrics.RecordDecision(string(kind), d.Allowed, d.WarningTriggered, d.Degraded)
	return d
}

// CheckKnown is Check for caller-supplied kinds: kinds without a configured
// limit are rejected with a validation error.
func (c *Controller) CheckKnown(ctx context.Context, kind models.CounterKind) (models.QuotaDecision, error) {
	if _, ok := c.policy.LimitFor(kind); !ok {
		return models.QuotaDecision{}, apperr.Validation("unknown usage kind: " + string(kind))
	}
	return c.Check(ctx, kind), nil
}

// CheckAll returns a decision for every configured kind, ordered by kind.
func (c *Controller) CheckAll(ctx context.Context) []models.QuotaDecision {
	kinds := c.policy.Kinds()
	decisions := make([]models.QuotaDecision, 0, len(kinds))
	for _, k := range kinds {
		decisions = append(decisions, c.Check(ctx, k))
	}
	return decisions
}

// Record adds amount to the current period of kind. Failures are logged and
// reported as degraded, never returned.
func (c *Controller) Record(ctx context.Context, kind models.CounterKind, amount int64) RecordResult {
	g := models.GranularityMonthly
	if limit, ok := c.policy.LimitFor(kind); ok {
		g = limit.Granularity
	}
	period := models.PeriodAt(c.clock.Now(), g)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.store.Increment(ctx, kind, period, amount)
	c.metrics.RecordStoreLatency("increment", time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("usage record failed",
			zap.String("kind", string(kind)),
			zap.Int64("amount", amount),
			zap.Time("period_start", period.Start),
			zap.Error(err),
		)
		c.metrics.RecordStoreFailure(string(kind), "record")
		return RecordResult{Degraded: true}
	}
	return RecordResult{}
}

// History returns the totals of kind for the last n periods, most recent
// first. Unlike Check it reports store failures as unavailable.
func (c *Controller) History(ctx context.Context, kind models.CounterKind, n int) ([]models.UsageRecord, error) {
	limit, ok := c.policy.LimitFor(kind)
	if !ok {
		return nil, apperr.Validation("unknown usage kind: " + string(kind))
	}
	if n <= 0 {
		return nil, apperr.Validation("history length must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	records, err := c.store.History(ctx, kind, usage.LastPeriods(c.clock.Now(), limit.Granularity, n))
	if err != nil {
		return nil, apperr.Unavailable("usage history unavailable", err)
	}
	return records, nil
}

func decide(kind models.CounterKind, period models.Period, limit models.Limit, current int64) models.QuotaDecision {
	threshold := limit.Threshold()
	return models.QuotaDecision{
		Kind:             kind,
		Allowed:          current < limit.PeriodLimit,
		CurrentUsage:     current,
		Limit:            limit.PeriodLimit,
		WarningThreshold: threshold,
		WarningTriggered: current >= threshold,
		PeriodStart:      period.Start,
		PeriodEnd:        period.End,
	}
}

func degraded(kind models.CounterKind, period models.Period, limit models.Limit) models.QuotaDecision {
	return models.QuotaDecision{
		Kind:             kind,
		Allowed:          true,
		CurrentUsage:     0,
		Limit:            limit.PeriodLimit,
		WarningThreshold: limit.Threshold(),
		Degraded:         true,
		PeriodStart:      period.Start,
		PeriodEnd:        period.End,
	}
}
