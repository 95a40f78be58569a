package models

import (
	"math"
	"time"
)

// CounterKind names a category of limited activity. New kinds only need a
// configured limit.
type CounterKind string

const (
	KindEventsCreated CounterKind = "events_created"
	KindSongsAdded    CounterKind = "songs_added"
	KindAPICalls      CounterKind = "api_calls"
	KindDataRetrieved CounterKind = "data_retrieved"
)

// Granularity is the length of an accounting period.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityMonthly Granularity = "monthly"
)

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	return g == GranularityDaily || g == GranularityMonthly
}

// Period is the half-open interval [Start, End) in UTC.
type Period struct {
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Granularity Granularity `json:"granularity"`
}

// PeriodAt returns the period of the given granularity containing t.
// Unknown granularities are treated as monthly.
func PeriodAt(t time.Time, g Granularity) Period {
	t = t.UTC()
	switch g {
	case GranularityDaily:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 0, 1), Granularity: g}
	default:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 1, 0), Granularity: GranularityMonthly}
	}
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Previous returns the period immediately before p.
func (p Period) Previous() Period {
	return PeriodAt(p.Start.Add(-time.Nanosecond), p.Granularity)
}

// Key is a compact, sortable identifier for the period start.
func (p Period) Key() string {
	if p.Granularity == GranularityDaily {
		return p.Start.Format("2006-01-02")
	}
	return p.Start.Format("2006-01")
}

// UsageRecord is the running total of one counter kind within one period.
type UsageRecord struct {
	Kind   CounterKind `json:"kind"`
	Period Period      `json:"period"`
	Count  int64       `json:"count"`
}

// Limit is the per-period allowance for a counter kind.
type Limit struct {
	Kind            CounterKind `json:"kind" mapstructure:"kind"`
	PeriodLimit     int64       `json:"periodLimit" mapstructure:"period_limit"`
	WarningFraction float64     `json:"warningFraction" mapstructure:"warning_fraction"`
	Granularity     Granularity `json:"granularity" mapstructure:"granularity"`
}

// Threshold returns floor(PeriodLimit * WarningFraction).
func (l Limit) Threshold() int64 {
	return int64(math.Floor(float64(l.PeriodLimit) * l.WarningFraction))
}

// QuotaDecision is the immutable result of an admission check.
type QuotaDecision struct {
	Kind             CounterKind `json:"kind"`
	Allowed          bool        `json:"allowed"`
	CurrentUsage     int64       `json:"currentUsage"`
	Limit            int64       `json:"limit"`
	WarningThreshold int64       `json:"warningThreshold"`
	WarningTriggered bool        `json:"warningTriggered"`
	// Degraded marks a fail-open decision made without a usable counter read.
	Degraded    bool      `json:"degraded"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

