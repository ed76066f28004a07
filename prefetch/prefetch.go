// Package prefetch warms the thumbnail cache for a batch of assets ahead of
// user navigation, with a bounded number of simultaneous remote fetches.
package prefetch

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/asset-pipeline/loader"
	"github.com/wolfeidau/asset-pipeline/telemetry"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

// DefaultConcurrency bounds simultaneous remote fetches. This is a
// resource-fairness policy toward the remote store, not a correctness
// requirement.
const DefaultConcurrency = 4

// Cache is the read side of the thumbnail cache the prefetcher consults to
// skip assets that are already fresh.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
}

// Resolver runs the remote stages of the fallback chain, writing results
// back into the cache.
type Resolver interface {
	ResolveRemote(ctx context.Context, canonicalID string, size assetpipeline.SizeClass) (*loader.Resolution, error)
}

// Result summarizes one prefetch run.
type Result struct {
	// Fetched counts entries newly written into the cache.
	Fetched int64 `json:"fetched"`
	// Skipped counts entries that were already cache fresh.
	Skipped int64 `json:"skipped"`
	// Failed counts entries whose fallback chain was exhausted.
	Failed int64 `json:"failed"`
}

// Prefetcher warms the cache for lists of canonical identifiers.
type Prefetcher struct {
	cache       Cache
	resolver    Resolver
	concurrency int
	logger      *slog.Logger
}

// Option configures a Prefetcher.
type Option func(*Prefetcher)

// WithConcurrency bounds simultaneous remote fetches.
func WithConcurrency(n int) Option {
	return func(p *Prefetcher) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the logger for prefetch events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Prefetcher) {
		p.logger = logger
	}
}

// New creates a prefetcher over the given cache and resolver.
func New(cache Cache, resolver Resolver, opts ...Option) *Prefetcher {
	p := &Prefetcher{
		cache:       cache,
		resolver:    resolver,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "prefetch")
	return p
}

// Prefetch resolves each identifier that is not already cache fresh,
// bounded to the configured concurrency. Cancelling the context stops new
// fetches from being issued; fetches already in flight may still complete
// and populate the cache. Returns the counts and the context error if the
// run was cut short.
func (p *Prefetcher) Prefetch(ctx context.Context, canonicalIDs []string, size assetpipeline.SizeClass) (Result, error) {
	var fetched, skipped, failed atomic.Int64

	g := &errgroup.Group{}
	g.SetLimit(p.concurrency)

	for _, canonicalID := range canonicalIDs {
		if ctx.Err() != nil {
			break
		}

		if _, ok := p.cache.Get(ctx, assetpipeline.CacheKey(canonicalID, size)); ok {
			skipped.Add(1)
			continue
		}

		g.Go(func() error {
			// The limit gate may have held this fetch past cancellation.
			if ctx.Err() != nil {
				return nil
			}

			if _, err := p.resolver.ResolveRemote(ctx, canonicalID, size); err != nil {
				if ctx.Err() == nil {
					failed.Add(1)
					p.logger.Warn("prefetch failed",
						"canonical_id", canonicalID,
						"size", size,
						"error", err)
				}
				return nil
			}
			fetched.Add(1)
			return nil
		})
	}

	_ = g.Wait()

	result := Result{
		Fetched: fetched.Load(),
		Skipped: skipped.Load(),
		Failed:  failed.Load(),
	}
	telemetry.RecordPrefetch(ctx, int(result.Fetched), int(result.Skipped), int(result.Failed))

	p.logger.Debug("prefetch complete",
		"requested", len(canonicalIDs),
		"fetched", result.Fetched,
		"skipped", result.Skipped,
		"failed", result.Failed)

	return result, ctx.Err()
}
