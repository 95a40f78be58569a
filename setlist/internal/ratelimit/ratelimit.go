// Package ratelimit provides per-client rate limiting using a token bucket.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"go_setlist/setlist/internal/config"

	"golang.org/x/time/rate"
)

// Limiter provides per-key rate limiting. Keys are device ids, falling back
// to the client IP.
type Limiter struct {
	limiters        map[string]*ClientLimiter
	mu              sync.RWMutex
	rps             int
	burst           int
	maxLiveConns    int
	cleanupInterval time.Duration
	done            chan struct{}
	closeOnce       sync.Once
}

// ClientLimiter holds the limiters of a single client.
type ClientLimiter struct {
	RPS        *rate.Limiter
	Live       *ConnLimiter
	lastAccess atomic.Int64 // unix nanos
}

func (c *ClientLimiter) touch() {
	c.lastAccess.Store(time.Now().UnixNano())
}

// LastAccess returns when the client was last seen.
func (c *ClientLimiter) LastAccess() time.Time {
	return time.Unix(0, c.lastAccess.Load())
}

// ConnLimiter limits concurrent live feed connections per client.
type ConnLimiter struct {
	max    int
	active int
	mu     sync.Mutex
}

// NewConnLimiter creates a new connection limiter.
func NewConnLimiter(max int) *ConnLimiter {
	return &ConnLimiter{max: max}
}

// Acquire tries to acquire a connection slot.
func (cl *ConnLimiter) Acquire() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.active >= cl.max {
		return false
	}
	cl.active++
	return true
}

// Release releases a connection slot.
func (cl *ConnLimiter) Release() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.active > 0 {
		cl.active--
	}
}

// ActiveCount returns the number of held slots.
func (cl *ConnLimiter) ActiveCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.active
}

// NewLimiter creates a new rate limiter and starts its cleanup loop. Call
// Close to stop it.
func NewLimiter(cfg *config.RateConfig) *Limiter {
	burstMultiplier := cfg.BurstMultiplier
	if burstMultiplier < 1 {
		burstMultiplier = 2.0
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = 5 * time.Minute
	}
	maxLive := cfg.MaxLiveConns
	if maxLive <= 0 {
		maxLive = 4
	}

	burst := int(float64(cfg.DefaultRPS) * burstMultiplier)
	if burst < 1 {
		burst = 1
	}

	l := &Limiter{
		limiters:        make(map[string]*ClientLimiter),
		rps:             cfg.DefaultRPS,
		burst:           burst,
		maxLiveConns:    maxLive,
		cleanupInterval: cleanupInterval,
		done:            make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Enabled reports whether request rate limiting is on.
func (l *Limiter) Enabled() bool {
	return l.rps > 0
}

// Allow checks if a request is allowed for the given key.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	limiter := l.getOrCreate(key)
	limiter.touch()
	return limiter.RPS.Allow()
}

// AcquireLive tries to acquire a live connection slot for the given key.
func (l *Limiter) AcquireLive(key string) bool {
	limiter := l.getOrCreate(key)
	limiter.touch()
	return limiter.Live.Acquire()
}

// ReleaseLive releases a live connection slot for the given key.
func (l *Limiter) ReleaseLive(key string) {
	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()

	if ok {
		limiter.Live.Release()
	}
}

// KeyStats holds the limits and usage of one key.
type KeyStats struct {
	RPS         float64
	Burst       int
	ActiveLive  int
	MaxLiveConn int
}

// GetKeyStats returns statistics for a specific key.
func (l *Limiter) GetKeyStats(key string) (KeyStats, bool) {
	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		return KeyStats{}, false
	}

	return KeyStats{
		RPS:         float64(limiter.RPS.Limit()),
		Burst:       limiter.RPS.Burst(),
		ActiveLive:  limiter.Live.ActiveCount(),
		MaxLiveConn: limiter.Live.max,
	}, true
}

// getOrCreate gets or creates a limiter for a key.
func (l *Limiter) getOrCreate(key string) *ClientLimiter {
	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()

	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, ok = l.limiters[key]; ok {
		return limiter
	}

	limiter = &ClientLimiter{
		RPS:  rate.NewLimiter(rate.Limit(l.rps), l.burst),
		Live: NewConnLimiter(l.maxLiveConns),
	}
	limiter.touch()
	l.limiters[key] = limiter
	return limiter
}

// cleanupLoop periodically removes inactive limiters.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.done:
			return
		}
	}
}

// cleanup removes limiters that haven't been accessed recently.
func (l *Limiter) cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	threshold := now.Add(-l.cleanupInterval * 2)
	for key, limiter := range l.limiters {
		if limiter.LastAccess().Before(threshold) && limiter.Live.ActiveCount() == 0 {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Stats returns overall rate limiter statistics.
type Stats struct {
	TotalKeys int
	TotalLive int
}

// GetStats returns overall statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totalLive := 0
	for _, limiter := range l.limiters {
		totalLive += limiter.Live.ActiveCount()
	}

	return Stats{
		TotalKeys: len(l.limiters),
		TotalLive: totalLive,
	}
}
