// Package usage provides the counter store that backs quota accounting.
//
// Every implementation must apply Increment as a single atomic add on the
// (kind, period) row: concurrent increments never lose updates. Callers never
// read-modify-write.
package usage

import (
	"context"
	"time"

	"go_setlist/setlist/internal/config"
	"go_setlist/setlist/internal/database"
	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Store holds per-period usage counters.
type Store interface {
	// Increment atomically adds amount to the counter of kind in period.
	Increment(ctx context.Context, kind models.CounterKind, period models.Period, amount int64) error
	// ReadTotal returns the counter of kind in period; a missing row is zero.
	ReadTotal(ctx context.Context, kind models.CounterKind, period models.Period) (int64, error)
	// History returns one record per requested period, in the order given.
	History(ctx context.Context, kind models.CounterKind, periods []models.Period) ([]models.UsageRecord, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// NewStore builds the store selected by cfg.Backend. db is required for the
// sql backend and rdb for the redis backend.
func NewStore(cfg *config.UsageConfig, db *database.DB, rdb *redis.Client) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(cfg.Shards), nil
	case "sql":
		if db == nil {
			return nil, errors.New("usage: sql backend requires a database")
		}
		return NewSQLStore(db), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("usage: redis backend requires a redis client")
		}
		return NewRedisStore(rdb, cfg.KeyPrefix), nil
	default:
		return nil, errors.Errorf("usage: unknown backend %q", cfg.Backend)
	}
}

// LastPeriods returns the n periods ending with the one containing now,
// most recent first.
func LastPeriods(now time.Time, g models.Granularity, n int) []models.Period {
	if n <= 0 {
		return nil
	}
	periods := make([]models.Period, 0, n)
	p := models.PeriodAt(now, g)
	for i := 0; i < n; i++ {
		periods = append(periods, p)
		p = p.Previous()
	}
	return periods
}

// ErrInvalidAmount is returned for non-positive increments.
var ErrInvalidAmount = errors.New("increment amount must be positive")
