// Package plan provides the quota policy: the per-period limit and warning
// threshold of every counter kind.
package plan

import (
	"sort"

	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
)

// DefaultWarningFraction is used when a limit does not set its own.
const DefaultWarningFraction = 0.8

// Policy maps counter kinds to their limits. It is immutable after
// construction and safe for concurrent use.
type Policy struct {
	limits map[models.CounterKind]models.Limit
}

// DefaultLimits returns the conservative free-tier allowance.
func DefaultLimits() []models.Limit {
	return []models.Limit{
		{Kind: models.KindEventsCreated, PeriodLimit: 300, WarningFraction: DefaultWarningFraction, Granularity: models.GranularityMonthly},
		{Kind: models.KindSongsAdded, PeriodLimit: 50000, WarningFraction: DefaultWarningFraction, Granularity: models.GranularityMonthly},
		{Kind: models.KindAPICalls, PeriodLimit: 60000, WarningFraction: DefaultWarningFraction, Granularity: models.GranularityMonthly},
		{Kind: models.KindDataRetrieved, PeriodLimit: 100000, WarningFraction: DefaultWarningFraction, Granularity: models.GranularityMonthly},
	}
}

// NewPolicy validates limits and builds a policy. Later entries for the same
// kind replace earlier ones.
func NewPolicy(limits ...models.Limit) (*Policy, error) {
	p := &Policy{limits: make(map[models.CounterKind]models.Limit, len(limits))}
	for _, l := range limits {
		if l.Kind == "" {
			return nil, ErrInvalidLimit
		}
		if l.PeriodLimit < 0 {
			return nil, errors.Wrapf(ErrInvalidLimit, "%s period limit %d", l.Kind, l.PeriodLimit)
		}
		if l.WarningFraction == 0 {
			l.WarningFraction = DefaultWarningFraction
		}
		if l.WarningFraction < 0 || l.WarningFraction > 1 {
			return nil, errors.Wrapf(ErrInvalidLimit, "%s warning fraction %v", l.Kind, l.WarningFraction)
		}
		if l.Granularity == "" {
			l.Granularity = models.GranularityMonthly
		}
		if !l.Granularity.Valid() {
			return nil, errors.Wrapf(ErrInvalidLimit, "%s granularity %q", l.Kind, l.Granularity)
		}
		p.limits[l.Kind] = l
	}
	return p, nil
}

// MustDefault returns the default policy.
func MustDefault() *Policy {
	p, err := NewPolicy(DefaultLimits()...)
	if err != nil {
		panic(err)
	}
	return p
}

// LimitFor returns the limit for kind.
func (p *Policy) LimitFor(kind models.CounterKind) (models.Limit, bool) {
	l, ok := p.limits[kind]
	return l, ok
}

// Kinds returns the configured kinds in a stable order.
func (p *Policy) Kinds() []models.CounterKind {
	kinds := make([]models.CounterKind, 0, len(p.limits))
	for k := range p.limits {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Limits returns every configured limit in kind order.
func (p *Policy) Limits() []models.Limit {
	out := make([]models.Limit, 0, len(p.limits))
	for _, k := range p.Kinds() {
		out = append(out, p.limits[k])
	}
	return out
}

// With returns a new policy with overrides applied on top of p.
func (p *Policy) With(overrides ...models.Limit) (*Policy, error) {
	return NewPolicy(append(p.Limits(), overrides...)...)
}

// Error definitions
var (
	ErrInvalidLimit = errors.New("invalid limit")
)
