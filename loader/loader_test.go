package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

// fakeCache is an in-memory Cache with injectable put failures.
type fakeCache struct {
	mu       sync.Mutex
	entries  map[string][]byte
	failPuts bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.entries[key]
	return blob, ok
}

func (f *fakeCache) Put(_ context.Context, key string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts {
		return fmt.Errorf("%w: disk full", assetpipeline.ErrCacheStorage)
	}
	f.entries[key] = blob
	return nil
}

// fakeFetcher scripts the remote stages.
type fakeFetcher struct {
	thumbnail     []byte
	thumbnailErr  error
	asset         []byte
	assetErr      error
	thumbnailWait time.Duration

	thumbnailCalls atomic.Int64
	assetCalls     atomic.Int64
}

func (f *fakeFetcher) FetchThumbnail(ctx context.Context, _ string, _ assetpipeline.SizeClass) ([]byte, error) {
	f.thumbnailCalls.Add(1)
	if f.thumbnailWait > 0 {
		select {
		case <-time.After(f.thumbnailWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.thumbnailErr != nil {
		return nil, f.thumbnailErr
	}
	return f.thumbnail, nil
}

func (f *fakeFetcher) FetchAsset(ctx context.Context, _ string) ([]byte, error) {
	f.assetCalls.Add(1)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.assetErr != nil {
		return nil, f.assetErr
	}
	return f.asset, nil
}

func TestResolveCacheHit(t *testing.T) {
	cache := newFakeCache()
	cache.entries["asset-1@medium"] = []byte("cached thumb")
	fetcher := &fakeFetcher{}

	l := New(cache, fetcher)

	res, err := l.Resolve(context.Background(), "asset-1", assetpipeline.SizeMedium)
	require.NoError(t, err)
	require.Equal(t, SourceCache, res.Source)
	require.Equal(t, []byte("cached thumb"), res.Blob)

	require.EqualValues(t, 0, fetcher.thumbnailCalls.Load(), "cache hit makes no remote call")
}

func TestResolveThumbnailStage(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{thumbnail: []byte("live thumb")}

	l := New(cache, fetcher)

	res, err := l.Resolve(context.Background(), "asset-1", assetpipeline.SizeMedium)
	require.NoError(t, err)
	require.Equal(t, SourceThumbnail, res.Source)
	require.Equal(t, []byte("live thumb"), res.Blob)

	// Write-back happened.
	blob, ok := cache.Get(context.Background(), "asset-1@medium")
	require.True(t, ok)
	require.Equal(t, []byte("live thumb"), blob)
}

func TestResolveFallsBackToFullAsset(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{
		thumbnailErr: fmt.Errorf("%w: no medium rendition", assetpipeline.ErrSizeClassUnsupported),
		asset:        []byte("full asset"),
	}

	l := New(cache, fetcher)

	res, err := l.Resolve(context.Background(), "asset-1", assetpipeline.SizeMedium)
	require.NoError(t, err)
	require.Equal(t, SourceAsset, res.Source)
	require.Equal(t, []byte("full asset"), res.Blob)

	// The full asset was written back under the rendition key, so the next
	// resolve is a cache hit.
	res, err = l.Resolve(context.Background(), "asset-1", assetpipeline.SizeMedium)
	require.NoError(t, err)
	require.Equal(t, SourceCache, res.Source)
}

func TestResolveAllStagesFail(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{
		thumbnailErr: fmt.Errorf("%w: status 503", assetpipeline.ErrTransient),
		assetErr:     fmt.Errorf("%w: status 503", assetpipeline.ErrTransient),
	}

	l := New(cache, fetcher)

	_, err := l.Resolve(context.Background(), "asset-1", assetpipeline.SizeMedium)
	require.ErrorIs(t, err, assetpipeline.ErrAssetUnavailable)
	require.Empty(t, cache.entries, "no cache write on failure")
}

func TestResolveThumbnailTimeoutAdvancesChain(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{
		thumbnailWait: time.Second,
		thumbnail:     []byte("too slow"),
		asset:         []byte("full asset"),
	}

	l := New(cache, fetcher, WithStageTimeout(20*time.Millisecond))

	res, err := l.Resolve(context.Background(), "asset-1", assetpipeline.SizeMedium)
	require.NoError(t, err)
	require.Equal(t, SourceAsset, res.Source, "timeout advances to the next stage, no retry")
	require.EqualValues(t, 1, fetcher.thumbnailCalls.Load())
}

func TestResolveCachePutFailureDoesNotBlockResolution(t *testing.T) {
	cache := newFakeCache()
	cache.failPuts = true
	fetcher := &fakeFetcher{thumbnail: []byte("live thumb")}

	l := New(cache, fetcher)

	res, err := l.Resolve(context.Background(), "asset-1", assetpipeline.SizeMedium)
	require.NoError(t, err, "cache failures never block the chain")
	require.Equal(t, []byte("live thumb"), res.Blob)
}

func TestResolveDeduplicatesConcurrentFetches(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{
		thumbnail:     []byte("live thumb"),
		thumbnailWait: 50 * time.Millisecond,
	}

	l := New(cache, fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Resolve(context.Background(), "asset-1", assetpipeline.SizeMedium)
			require.NoError(t, err)
			require.Equal(t, []byte("live thumb"), res.Blob)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, fetcher.thumbnailCalls.Load(),
		"concurrent resolutions share one fetch")
}

func TestRequestStateMachine(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{thumbnail: []byte("live thumb")}

	l := New(cache, fetcher)
	req := l.NewRequest("asset-1", assetpipeline.SizeMedium)

	require.Equal(t, StateIdle, req.State())
	_, ok := req.Result()
	require.False(t, ok)

	res, err := req.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateResolved, req.State())

	got, ok := req.Result()
	require.True(t, ok)
	require.Equal(t, res, got)

	// Start on a resolved request returns the stored outcome without a new
	// fetch.
	_, err = req.Start(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, fetcher.thumbnailCalls.Load())
}

func TestRequestUnavailableAndRetry(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{
		thumbnailErr: fmt.Errorf("%w: down", assetpipeline.ErrTransient),
		assetErr:     fmt.Errorf("%w: down", assetpipeline.ErrTransient),
	}

	l := New(cache, fetcher)
	req := l.NewRequest("asset-1", assetpipeline.SizeMedium)

	_, err := req.Start(context.Background())
	require.ErrorIs(t, err, assetpipeline.ErrAssetUnavailable)
	require.Equal(t, StateUnavailable, req.State())

	// Remote store recovers; retry re-enters the chain.
	fetcher.thumbnailErr = nil
	fetcher.thumbnail = []byte("recovered")

	res, err := req.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateResolved, req.State())
	require.Equal(t, []byte("recovered"), res.Blob)
}

func TestRequestCancellationReturnsToIdle(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{
		thumbnail:     []byte("slow thumb"),
		thumbnailWait: time.Second,
	}

	l := New(cache, fetcher, WithStageTimeout(5*time.Second))
	req := l.NewRequest("asset-1", assetpipeline.SizeMedium)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := req.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateIdle, req.State(), "cancellation does not transition past resolving")
}

func TestRequestRetryOnResolvedIsNoOp(t *testing.T) {
	cache := newFakeCache()
	cache.entries["asset-1@small"] = []byte("cached")
	fetcher := &fakeFetcher{}

	l := New(cache, fetcher)
	req := l.NewRequest("asset-1", assetpipeline.SizeSmall)

	_, err := req.Start(context.Background())
	require.NoError(t, err)

	res, err := req.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("cached"), res.Blob)
}

func TestResolveRemoteSkipsCacheRead(t *testing.T) {
	cache := newFakeCache()
	cache.entries["asset-1@medium"] = []byte("stale cached")
	fetcher := &fakeFetcher{thumbnail: []byte("fresh thumb")}

	l := New(cache, fetcher)

	res, err := l.ResolveRemote(context.Background(), "asset-1", assetpipeline.SizeMedium)
	require.NoError(t, err)
	require.Equal(t, SourceThumbnail, res.Source)
	require.Equal(t, []byte("fresh thumb"), res.Blob)
}
