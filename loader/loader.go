// Package loader resolves assets progressively: thumbnail cache first, then
// a live thumbnail fetch, then the full asset, writing every successful
// remote fetch back into the cache. Concurrent resolutions for the same
// rendition are deduplicated with singleflight.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/asset-pipeline/telemetry"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

// DefaultStageTimeout bounds each fallback stage. A slow stage advances the
// chain instead of retrying, since the chain exists to bound total latency.
const DefaultStageTimeout = 10 * time.Second

// Source identifies which fallback stage produced a resolution.
type Source string

const (
	SourceCache     Source = "cache"
	SourceThumbnail Source = "thumbnail"
	SourceAsset     Source = "asset"
)

// Cache is the subset of the thumbnail cache the loader depends on.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, blob []byte) error
}

// Fetcher is the subset of the remote store client the loader depends on.
type Fetcher interface {
	FetchThumbnail(ctx context.Context, canonicalID string, size assetpipeline.SizeClass) ([]byte, error)
	FetchAsset(ctx context.Context, canonicalID string) ([]byte, error)
}

// Resolution is a successful asset resolution.
type Resolution struct {
	Blob   []byte
	Source Source
}

// Loader runs the fallback chain. Safe for concurrent use.
type Loader struct {
	cache        Cache
	fetcher      Fetcher
	stageTimeout time.Duration
	logger       *slog.Logger

	group singleflight.Group
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger for resolution events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithStageTimeout bounds each fallback stage.
func WithStageTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.stageTimeout = d
	}
}

// New creates a loader over the given cache and remote fetcher.
func New(cache Cache, fetcher Fetcher, opts ...Option) *Loader {
	l := &Loader{
		cache:        cache,
		fetcher:      fetcher,
		stageTimeout: DefaultStageTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loader")
	return l
}

// Resolve runs the full fallback chain for one rendition. A cache hit
// short-circuits; otherwise the remote stages run deduplicated across
// concurrent callers. All stages failing returns ErrAssetUnavailable.
func (l *Loader) Resolve(ctx context.Context, canonicalID string, size assetpipeline.SizeClass) (*Resolution, error) {
	key := assetpipeline.CacheKey(canonicalID, size)

	if blob, ok := l.cache.Get(ctx, key); ok {
		telemetry.RecordLoaderResolution(ctx, string(SourceCache))
		return &Resolution{Blob: blob, Source: SourceCache}, nil
	}

	return l.resolveRemote(ctx, canonicalID, size)
}

// ResolveRemote runs only the remote stages of the chain, skipping the
// cache read. The prefetcher uses this after it has already established a
// cache miss.
func (l *Loader) ResolveRemote(ctx context.Context, canonicalID string, size assetpipeline.SizeClass) (*Resolution, error) {
	return l.resolveRemote(ctx, canonicalID, size)
}

// resolveRemote deduplicates concurrent fetches for the same key. The fetch
// runs on a context detached from any single caller, so one caller's
// cancellation does not abort the fetch for other waiters; each caller still
// honors its own context.
func (l *Loader) resolveRemote(ctx context.Context, canonicalID string, size assetpipeline.SizeClass) (*Resolution, error) {
	key := assetpipeline.CacheKey(canonicalID, size)

	ch := l.group.DoChan(key, func() (any, error) {
		return l.runChain(context.WithoutCancel(ctx), canonicalID, size, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			l.group.Forget(key)
			return nil, res.Err
		}
		return res.Val.(*Resolution), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runChain executes the thumbnail then full-asset stages, writing each
// success back into the cache before returning.
func (l *Loader) runChain(ctx context.Context, canonicalID string, size assetpipeline.SizeClass, key string) (*Resolution, error) {
	blob, thumbErr := l.fetchStage(ctx, func(stageCtx context.Context) ([]byte, error) {
		return l.fetcher.FetchThumbnail(stageCtx, canonicalID, size)
	})
	if thumbErr == nil {
		l.writeBack(ctx, key, blob)
		telemetry.RecordLoaderResolution(ctx, string(SourceThumbnail))
		return &Resolution{Blob: blob, Source: SourceThumbnail}, nil
	}
	if errors.Is(thumbErr, context.Canceled) {
		return nil, thumbErr
	}

	l.logger.Debug("thumbnail stage failed, falling back to full asset",
		"canonical_id", canonicalID,
		"size", size,
		"error", thumbErr)

	blob, assetErr := l.fetchStage(ctx, func(stageCtx context.Context) ([]byte, error) {
		return l.fetcher.FetchAsset(stageCtx, canonicalID)
	})
	if assetErr != nil {
		if errors.Is(assetErr, context.Canceled) {
			return nil, assetErr
		}
		telemetry.RecordLoaderResolution(ctx, "unavailable")
		return nil, fmt.Errorf("%w: %s at %s: thumbnail: %w; asset: %w",
			assetpipeline.ErrAssetUnavailable, canonicalID, size, thumbErr, assetErr)
	}

	l.writeBack(ctx, key, blob)
	telemetry.RecordLoaderResolution(ctx, string(SourceAsset))
	return &Resolution{Blob: blob, Source: SourceAsset}, nil
}

// fetchStage runs one fallback stage under the stage timeout. A timeout
// surfaces as the stage's error so the chain advances rather than retrying.
func (l *Loader) fetchStage(ctx context.Context, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	stageCtx, cancel := context.WithTimeout(ctx, l.stageTimeout)
	defer cancel()

	return fetch(stageCtx)
}

// writeBack stores a fetched blob in the cache. Cache failures are absorbed;
// the resolution already succeeded.
func (l *Loader) writeBack(ctx context.Context, key string, blob []byte) {
	if err := l.cache.Put(ctx, key, blob); err != nil {
		l.logger.Warn("cache write-back failed", "key", key, "error", err)
	}
}
