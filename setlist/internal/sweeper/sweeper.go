// Package sweeper runs the periodic cleanup of expired events: expired events
// are marked inactive, and inactive events past the purge window are deleted
// with their songs.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go_setlist/setlist/internal/config"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Registry is the subset of the event registry the sweeper drives.
type Registry interface {
	SweepExpired(ctx context.Context) (int, error)
	PurgeCandidates(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	DeleteEvent(ctx context.Context, id string) (bool, error)
}

// Result summarizes one cleanup run.
type Result struct {
	Expired int
	Purged  int
	Failed  int
}

// Sweeper periodically sweeps and purges events.
type Sweeper struct {
	cfg      *config.SweeperConfig
	registry Registry
	pool     *ants.Pool
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  sync.Mutex
	runs     atomic.Int64
	purged   atomic.Int64
}

// New creates a sweeper with a worker pool of cfg.Workers goroutines.
func New(cfg *config.SweeperConfig, registry Registry, logger *zap.Logger) (*Sweeper, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the cleanup loop in the background until Stop.
func (s *Sweeper) Start() {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(s.ctx); err != nil && s.ctx.Err() == nil {
					s.logger.Warn("Cleanup run failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop stops the loop and releases the worker pool.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.pool.Release()
}

// RunOnce sweeps expired events and purges old inactive ones. Concurrent
// calls are serialized.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	s.running.Lock()
	defer s.running.Unlock()

	var res Result

	expired, err := s.registry.SweepExpired(ctx)
	if err != nil {
		return res, errors.Wrap(err, "sweep expired events")
	}
	res.Expired = expired

	if s.cfg.PurgeAfter > 0 {
		purged, failed, err := s.purge(ctx)
		res.Purged, res.Failed = purged, failed
		if err != nil {
			return res, errors.Wrap(err, "purge inactive events")
		}
	}

	s.runs.Add(1)
	s.purged.Add(int64(res.Purged))
	if res.Expired > 0 || res.Purged > 0 || res.Failed > 0 {
		s.logger.Info("Cleanup run finished",
			zap.Int("expired", res.Expired),
			zap.Int("purged", res.Purged),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

// purge deletes candidates batch by batch on the worker pool.
func (s *Sweeper) purge(ctx context.Context) (purged, failed int, err error) {
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}

	for {
		ids, err := s.registry.PurgeCandidates(ctx, s.cfg.PurgeAfter, batch)
		if err != nil {
			return purged, failed, err
		}

		var (
			wg       sync.WaitGroup
			ok, bad  atomic.Int64
			deleteID = func(id string) {
				defer wg.Done()
				deleted, err := s.registry.DeleteEvent(ctx, id)
				if err != nil {
					bad.Add(1)
					s.logger.Warn("Failed to purge event", zap.String("event_id", id), zap.Error(err))
					return
				}
				if deleted {
					ok.Add(1)
				}
			}
		)
		for _, id := range ids {
			id := id
			wg.Add(1)
			if err := s.pool.Submit(func() { deleteID(id) }); err != nil {
				wg.Done()
				bad.Add(1)
			}
		}
		wg.Wait()

		purged += int(ok.Load())
		failed += int(bad.Load())

		// a short batch is the last one; a batch with no progress would
		// return the same candidates again
		if len(ids) < batch || ok.Load() == 0 {
			return purged, failed, ctx.Err()
		}
	}
}

// Stats holds sweeper counters.
type Stats struct {
	Runs        int64
	TotalPurged int64
	Workers     int
}

// GetStats returns current statistics.
func (s *Sweeper) GetStats() Stats {
	return Stats{
		Runs:        s.runs.Load(),
		TotalPurged: s.purged.Load(),
		Workers:     s.pool.Cap(),
	}
}
