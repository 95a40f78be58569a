package usage

import (
	"context"
	"strconv"
	"time"

	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// retainAfterEnd keeps closed periods around long enough for history queries.
const retainAfterEnd = 400 * 24 * time.Hour

// RedisStore keeps one INCRBY counter per (kind, period). Shared by every
// service instance.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "setlist:usage:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(kind models.CounterKind, period models.Period) string {
	return s.keyPrefix + string(kind) + ":" + string(period.Granularity) + ":" + period.Key()
}

// Increment runs INCRBY and refreshes the key expiry in one transaction.
func (s *RedisStore) Increment(ctx context.Context, kind models.CounterKind, period models.Period, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	key := s.key(kind, period)
	pipe := s.client.TxPipeline()
	pipe.IncrBy(ctx, key, amount)
	pipe.ExpireAt(ctx, key, period.End.Add(retainAfterEnd))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to increment usage counter")
	}
	return nil
}

// ReadTotal returns the counter value, zero when the key is missing.
func (s *RedisStore) ReadTotal(ctx context.Context, kind models.CounterKind, period models.Period) (int64, error) {
	n, err := s.client.Get(ctx, s.key(kind, period)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to read usage counter")
	}
	return n, nil
}

// History fetches all requested periods with a single MGET.
func (s *RedisStore) History(ctx context.Context, kind models.CounterKind, periods []models.Period) ([]models.UsageRecord, error) {
	if len(periods) == 0 {
		return nil, nil
	}
	keys := make([]string, len(periods))
	for i, p := range periods {
		keys[i] = s.key(kind, p)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read usage history")
	}

	records := make([]models.UsageRecord, len(periods))
	for i, p := range periods {
		records[i] = models.UsageRecord{Kind: kind, Period: p}
		if str, ok := vals[i].(string); ok {
			n, err := strconv.ParseInt(str, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "bad counter value at %s", keys[i])
			}
			records[i].Count = n
		}
	}
	return records, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

var _ Store = (*RedisStore)(nil)
