package usage

import (
	"context"
	"hash/fnv"
	"sync"

	"go_setlist/setlist/internal/models"
)

type counterShard struct {
	mu     sync.Mutex
	counts map[string]int64
}

// MemoryStore is a sharded in-process counter store. It is correct for a
// single instance only and is used for development and tests.
type MemoryStore struct {
	shards []*counterShard
}

// NewMemoryStore creates a memory store with the given shard count (default 16).
func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = 16
	}
	s := &MemoryStore{shards: make([]*counterShard, shards)}
	for i := range s.shards {
		s.shards[i] = &counterShard{counts: make(map[string]int64)}
	}
	return s
}

func memoryKey(kind models.CounterKind, period models.Period) string {
	return string(kind) + "|" + string(period.Granularity) + "|" + period.Key()
}

func (s *MemoryStore) shard(key string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Increment adds amount under the shard lock.
func (s *MemoryStore) Increment(_ context.Context, kind models.CounterKind, period models.Period, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	k := memoryKey(kind, period)
	sh := s.shard(k)
	sh.mu.Lock()
	sh.counts[k] += amount
	sh.mu.Unlock()
	return nil
}

// ReadTotal returns the current count.
func (s *MemoryStore) ReadTotal(_ context.Context, kind models.CounterKind, period models.Period) (int64, error) {
	k := memoryKey(kind, period)
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.counts[k], nil
}

// History returns the count of each period.
func (s *MemoryStore) History(ctx context.Context, kind models.CounterKind, periods []models.Period) ([]models.UsageRecord, error) {
	records := make([]models.UsageRecord, 0, len(periods))
	for _, p := range periods {
		n, _ := s.ReadTotal(ctx, kind, p)
		records = append(records, models.UsageRecord{Kind: kind, Period: p, Count: n})
	}
	return records, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored counters (for testing).
func (s *MemoryStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.counts)
		sh.mu.Unlock()
	}
	return total
}

var _ Store = (*MemoryStore)(nil)
