package plan

import (
	"context"

	"go_setlist/setlist/internal/database"
	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
)

// Service reads and writes limit overrides in the system_limits table.
// Limits are read once at startup to build an immutable Policy.
type Service struct {
	db *database.DB
}

// NewService creates a new limits service.
func NewService(db *database.DB) *Service {
	return &Service{db: db}
}

// List returns all stored limits ordered by kind.
func (s *Service) List(ctx context.Context) ([]models.Limit, error) {
	query := `SELECT kind, period_limit, warning_fraction, granularity
	          FROM system_limits ORDER BY kind`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list limits")
	}
	defer rows.Close()

	var limits []models.Limit
	for rows.Next() {
		var l models.Limit
		var kind, gran string
		if err := rows.Scan(&kind, &l.PeriodLimit, &l.WarningFraction, &gran); err != nil {
			return nil, errors.Wrap(err, "failed to scan limit")
		}
		l.Kind = models.CounterKind(kind)
		l.Granularity = models.Granularity(gran)
		limits = append(limits, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate limits")
	}

	return limits, nil
}

// Upsert stores a limit, replacing any existing row for the kind.
func (s *Service) Upsert(ctx context.Context, l models.Limit) error {
	if _, err := NewPolicy(l); err != nil {
		return err
	}

	query := `INSERT INTO system_limits (kind, period_limit, warning_fraction, granularity)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT (kind) DO UPDATE SET
	          period_limit = excluded.period_limit,
	          warning_fraction = excluded.warning_fraction,
	          granularity = excluded.granularity`
	if s.db.Dialect == database.MySQL {
		query = `INSERT INTO system_limits (kind, period_limit, warning_fraction, granularity)
		         VALUES (?, ?, ?, ?)
		         ON DUPLICATE KEY UPDATE
		         period_limit = VALUES(period_limit),
		         warning_fraction = VALUES(warning_fraction),
		         granularity = VALUES(granularity)`
	}

	fraction := l.WarningFraction
	if fraction == 0 {
		fraction = DefaultWarningFraction
	}
	gran := l.Granularity
	if gran == "" {
		gran = models.GranularityMonthly
	}

	if _, err := s.db.ExecContext(ctx, query, string(l.Kind), l.PeriodLimit, fraction, string(gran)); err != nil {
		return errors.Wrap(err, "failed to upsert limit")
	}
	return nil
}

// Load returns base with every stored limit applied on top.
func (s *Service) Load(ctx context.Context, base *Policy) (*Policy, error) {
	stored, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return base, nil
	}
	return base.With(stored...)
}
