package sweeper

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go_setlist/setlist/internal/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu        sync.Mutex
	expired   int
	inactive  map[string]bool
	failOn    string
	sweepErr  error
	sweeps    int
	deletedBy []string
}

func (f *fakeRegistry) SweepExpired(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	if f.sweepErr != nil {
		return 0, f.sweepErr
	}
	n := f.expired
	f.expired = 0
	return n, nil
}

func (f *fakeRegistry) PurgeCandidates(_ context.Context, _ time.Duration, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.inactive))
	for id := range f.inactive {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeRegistry) DeleteEvent(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failOn {
		return false, errors.New("locked")
	}
	if !f.inactive[id] {
		return false, nil
	}
	delete(f.inactive, id)
	f.deletedBy = append(f.deletedBy, id)
	return true, nil
}

func newRegistry(n int) *fakeRegistry {
	f := &fakeRegistry{expired: 3, inactive: make(map[string]bool)}
	for i := 0; i < n; i++ {
		f.inactive[string(rune('a'+i))+"0000000"] = true
	}
	return f
}

func TestRunOnce(t *testing.T) {
	reg := newRegistry(7)
	s, err := New(&config.SweeperConfig{PurgeAfter: time.Hour, Workers: 2, BatchSize: 3}, reg, nil)
	require.NoError(t, err)
	defer s.Stop()

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Expired: 3, Purged: 7}, res)
	assert.Empty(t, reg.inactive)

	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "a second run finds nothing")

	stats := s.GetStats()
	assert.Equal(t, int64(2), stats.Runs)
	assert.Equal(t, int64(7), stats.TotalPurged)
	assert.Equal(t, 2, stats.Workers)
}

func TestRunOnce_FailedDeleteStopsWithoutLooping(t *testing.T) {
	reg := newRegistry(2)
	reg.failOn = "a0000000"
	s, err := New(&config.SweeperConfig{PurgeAfter: time.Hour, Workers: 1, BatchSize: 1}, reg, nil)
	require.NoError(t, err)
	defer s.Stop()

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Purged)
}

func TestRunOnce_SweepError(t *testing.T) {
	reg := newRegistry(1)
	reg.sweepErr = errors.New("db down")
	s, err := New(&config.SweeperConfig{PurgeAfter: time.Hour}, reg, nil)
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Len(t, reg.inactive, 1)
}

func TestRunOnce_PurgeDisabled(t *testing.T) {
	reg := newRegistry(2)
	s, err := New(&config.SweeperConfig{}, reg, nil)
	require.NoError(t, err)
	defer s.Stop()

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Expired)
	assert.Len(t, reg.inactive, 2)
}

func TestStartStop(t *testing.T) {
	reg := newRegistry(0)
	s, err := New(&config.SweeperConfig{Interval: 5 * time.Millisecond}, reg, nil)
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.sweeps >= 2
	}, time.Second, 5*time.Millisecond)
	s.Stop()
}
