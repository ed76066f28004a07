package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/asset-pipeline/telemetry"
)

// DefaultSweepInterval is how often the background sweeper compacts the
// cache when no interval is configured.
const DefaultSweepInterval = 24 * time.Hour

// Sweeper runs the cache compaction pass on a timer so that entries which
// expire without ever being read still get reclaimed.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper for the given cache. A zero interval uses
// DefaultSweepInterval.
func NewSweeper(c *Cache, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		cache:    c,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background sweeps. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for the current one to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	return s.runOnce(ctx)
}

func (s *Sweeper) runOnce(ctx context.Context) SweepResult {
	start := s.now()

	s.logger.Debug("starting cache sweep")

	result := s.cache.Compact(ctx)
	duration := s.now().Sub(start)
	telemetry.RecordSweep(ctx, duration)

	if result.ExpiredEntries > 0 || result.EvictedEntries > 0 {
		s.logger.Info("cache sweep complete",
			"ttl_expired", result.ExpiredEntries,
			"lru_evicted", result.EvictedEntries,
			"bytes_freed", result.ExpiredBytes+result.EvictedBytes,
			"duration", duration,
		)
	} else {
		s.logger.Debug("cache sweep complete, nothing to reclaim")
	}

	return result
}
