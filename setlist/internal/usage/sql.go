package usage

import (
	"context"
	"database/sql"
	"time"

	"go_setlist/setlist/internal/database"
	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
)

// SQLStore keeps counters in the usage_counters table and increments them
// with a single upsert-with-add statement.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a SQL-backed counter store.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) upsertQuery() string {
	if s.db.Dialect == database.MySQL {
		return `INSERT INTO usage_counters (kind, period_start, granularity, count, updated_at)
		        VALUES (?, ?, ?, ?, ?)
		        ON DUPLICATE KEY UPDATE
		        count = count + VALUES(count),
		        updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO usage_counters (kind, period_start, granularity, count, updated_at)
	        VALUES (?, ?, ?, ?, ?)
	        ON CONFLICT (kind, period_start, granularity) DO UPDATE SET
	        count = count + excluded.count,
	        updated_at = excluded.updated_at`
}

// Increment atomically adds amount to the (kind, period) row, creating it
// when missing.
func (s *SQLStore) Increment(ctx context.Context, kind models.CounterKind, period models.Period, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := s.db.ExecContext(ctx, s.upsertQuery(),
		string(kind), period.Start, string(period.Granularity), amount, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to increment usage counter")
	}
	return nil
}

// ReadTotal returns the counter value, zero when the row is missing.
func (s *SQLStore) ReadTotal(ctx context.Context, kind models.CounterKind, period models.Period) (int64, error) {
	query := `SELECT count FROM usage_counters
	          WHERE kind = ? AND period_start = ? AND granularity = ?`

	var total int64
	err := s.db.QueryRowContext(ctx, query, string(kind), period.Start, string(period.Granularity)).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to read usage counter")
	}
	return total, nil
}

// History reads each requested period. Missing periods report zero.
func (s *SQLStore) History(ctx context.Context, kind models.CounterKind, periods []models.Period) ([]models.UsageRecord, error) {
	records := make([]models.UsageRecord, 0, len(periods))
	for _, p := range periods {
		n, err := s.ReadTotal(ctx, kind, p)
		if err != nil {
			return nil, err
		}
		records = append(records, models.UsageRecord{Kind: kind, Period: p, Count: n})
	}
	return records, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the database pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

var _ Store = (*SQLStore)(nil)
