package cache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
	"github.com/wolfeidau/asset-pipeline/localstore"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time {
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *localstore.Memory, *fakeClock) {
	t.Helper()

	index, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	blobs := localstore.NewMemory()

	c, err := New(cfg, index, blobs)
	require.NoError(t, err)

	clock := newFakeClock()
	c.now = clock.now

	return c, blobs, clock
}

func TestPutAndGet(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	blob := bytes.Repeat([]byte("thumbnail data "), 100)
	require.NoError(t, c.Put(ctx, "asset-1@medium", blob))

	got, ok := c.Get(ctx, "asset-1@medium")
	require.True(t, ok)
	require.Equal(t, blob, got)

	stats := c.Stats()
	require.EqualValues(t, 1, stats.EntryCount)
	require.EqualValues(t, len(blob), stats.TotalSizeBytes)
}

func TestGetMiss(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})

	_, ok := c.Get(context.Background(), "never-stored@small")
	require.False(t, ok)
}

func TestPutOverwriteReplacesAccounting(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "asset-1@medium", make([]byte, 1000)))
	require.NoError(t, c.Put(ctx, "asset-1@medium", make([]byte, 400)))

	stats := c.Stats()
	require.EqualValues(t, 1, stats.EntryCount)
	require.EqualValues(t, 400, stats.TotalSizeBytes)
}

func TestPutRejectsOversizedBlob(t *testing.T) {
	c, _, _ := newTestCache(t, Config{MaxSize: 1024})
	ctx := context.Background()

	err := c.Put(ctx, "huge@original", make([]byte, 2048))
	require.ErrorIs(t, err, ErrTooLarge)

	stats := c.Stats()
	require.EqualValues(t, 0, stats.EntryCount)
	require.EqualValues(t, 0, stats.TotalSizeBytes)
}

func TestSizeInvariantAfterEveryPut(t *testing.T) {
	c, _, clock := newTestCache(t, Config{MaxSize: 5000})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := string(rune('a'+i)) + "@medium"
		require.NoError(t, c.Put(ctx, key, make([]byte, 800)))
		clock.advance(time.Second)

		stats := c.Stats()
		require.LessOrEqual(t, stats.TotalSizeBytes, int64(5000),
			"size bound must hold after put %d", i)
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	c, _, clock := newTestCache(t, Config{MaxSize: 3000})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a@medium", make([]byte, 1000)))
	clock.advance(time.Minute)
	require.NoError(t, c.Put(ctx, "b@medium", make([]byte, 1000)))
	clock.advance(time.Minute)
	require.NoError(t, c.Put(ctx, "c@medium", make([]byte, 1000)))
	clock.advance(time.Minute)

	// Touch a so b becomes the least recently used.
	_, ok := c.Get(ctx, "a@medium")
	require.True(t, ok)
	clock.advance(time.Minute)

	// Inserting d forces one eviction; b must go.
	require.NoError(t, c.Put(ctx, "d@medium", make([]byte, 1000)))

	_, ok = c.Get(ctx, "b@medium")
	require.False(t, ok, "least recently used entry should be evicted")

	for _, key := range []string{"a@medium", "c@medium", "d@medium"} {
		_, ok := c.Get(ctx, key)
		require.True(t, ok, "entry %s should survive", key)
	}
}

func TestLRUTieBreakOnCreation(t *testing.T) {
	c, _, clock := newTestCache(t, Config{MaxSize: 2000})
	ctx := context.Background()

	// Same last accessed time for both; the older insert loses.
	require.NoError(t, c.Put(ctx, "first@medium", make([]byte, 1000)))
	clock.advance(time.Nanosecond)
	require.NoError(t, c.Put(ctx, "second@medium", make([]byte, 1000)))

	// Force identical access times.
	require.NoError(t, c.index.Touch("first@medium", clock.now()))
	require.NoError(t, c.index.Touch("second@medium", clock.now()))

	clock.advance(time.Minute)
	require.NoError(t, c.Put(ctx, "third@medium", make([]byte, 1000)))

	_, ok := c.Get(ctx, "first@medium")
	require.False(t, ok, "oldest creation should break the tie")
	_, ok = c.Get(ctx, "second@medium")
	require.True(t, ok)
}

func TestLazyExpirationOnGet(t *testing.T) {
	c, _, clock := newTestCache(t, Config{TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "old@small", make([]byte, 500)))
	clock.advance(2 * time.Hour)

	_, ok := c.Get(ctx, "old@small")
	require.False(t, ok, "expired entry reads as a miss")

	stats := c.Stats()
	require.EqualValues(t, 0, stats.EntryCount, "expired entry is removed on read")
	require.EqualValues(t, 0, stats.TotalSizeBytes)
}

func TestCompactRemovesExpiredBeforeEvicting(t *testing.T) {
	c, _, clock := newTestCache(t, Config{MaxSize: 10000, TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "stale@medium", make([]byte, 4000)))
	clock.advance(2 * time.Hour)
	require.NoError(t, c.Put(ctx, "fresh-1@medium", make([]byte, 4000)))
	require.NoError(t, c.Put(ctx, "fresh-2@medium", make([]byte, 4000)))

	// Expired entry is reclaimed first, so no live entry needed evicting.
	_, ok := c.Get(ctx, "fresh-1@medium")
	require.True(t, ok)
	_, ok = c.Get(ctx, "fresh-2@medium")
	require.True(t, ok)
	_, ok = c.Get(ctx, "stale@medium")
	require.False(t, ok)
}

func TestSweepReclaimsUnreadExpiredEntries(t *testing.T) {
	c, _, clock := newTestCache(t, Config{TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a@small", make([]byte, 100)))
	require.NoError(t, c.Put(ctx, "b@small", make([]byte, 100)))
	clock.advance(2 * time.Hour)
	require.NoError(t, c.Put(ctx, "c@small", make([]byte, 100)))

	result := c.Compact(ctx)
	require.EqualValues(t, 2, result.ExpiredEntries)
	require.EqualValues(t, 200, result.ExpiredBytes)
	require.EqualValues(t, 0, result.EvictedEntries)

	stats := c.Stats()
	require.EqualValues(t, 1, stats.EntryCount)
}

func TestManyLargePutsKeepMostRecent(t *testing.T) {
	const (
		maxSize  = 100 * 1024 * 1024
		blobSize = 15 * 1024 * 1024
	)

	c, _, clock := newTestCache(t, Config{MaxSize: maxSize})
	ctx := context.Background()

	keys := make([]string, 10)
	for i := range keys {
		keys[i] = string(rune('a'+i)) + "@large"
		require.NoError(t, c.Put(ctx, keys[i], make([]byte, blobSize)))
		clock.advance(time.Second)
	}

	stats := c.Stats()
	require.EqualValues(t, 6, stats.EntryCount, "only 6 blobs of 15MB fit in 100MB")
	require.EqualValues(t, 6*blobSize, stats.TotalSizeBytes)

	// The four oldest inserts were evicted.
	for _, key := range keys[:4] {
		_, ok := c.Get(ctx, key)
		require.False(t, ok, "entry %s should be evicted", key)
	}
	for _, key := range keys[4:] {
		_, ok := c.Get(ctx, key)
		require.True(t, ok, "entry %s should survive", key)
	}
}

func TestPutStorageFailureNotFatal(t *testing.T) {
	c, blobs, _ := newTestCache(t, Config{})
	ctx := context.Background()

	blobs.FailWrites = true

	err := c.Put(ctx, "asset-1@medium", make([]byte, 100))
	require.ErrorIs(t, err, assetpipeline.ErrCacheStorage)

	stats := c.Stats()
	require.EqualValues(t, 0, stats.EntryCount, "failed put leaves no accounting")
}

func TestGetStorageFailureDegradesToMiss(t *testing.T) {
	c, blobs, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "asset-1@medium", make([]byte, 100)))

	blobs.FailReads = true

	_, ok := c.Get(ctx, "asset-1@medium")
	require.False(t, ok, "unreadable blob reads as a miss")
}

func TestDelete(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "asset-1@medium", make([]byte, 100)))
	require.NoError(t, c.Delete(ctx, "asset-1@medium"))
	require.NoError(t, c.Delete(ctx, "asset-1@medium"), "deleting a missing key is a no-op")

	stats := c.Stats()
	require.EqualValues(t, 0, stats.EntryCount)
	require.EqualValues(t, 0, stats.TotalSizeBytes)
}

func TestAccountingRebuiltOnOpen(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.db")
	ctx := context.Background()

	index, err := OpenIndex(indexPath)
	require.NoError(t, err)

	blobs := localstore.NewMemory()

	c, err := New(Config{}, index, blobs)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "a@medium", make([]byte, 300)))
	require.NoError(t, c.Put(ctx, "b@medium", make([]byte, 700)))
	require.NoError(t, index.Close())

	reopened, err := OpenIndex(indexPath)
	require.NoError(t, err)
	defer reopened.Close()

	c2, err := New(Config{}, reopened, blobs)
	require.NoError(t, err)

	stats := c2.Stats()
	require.EqualValues(t, 2, stats.EntryCount)
	require.EqualValues(t, 1000, stats.TotalSizeBytes)
}

func TestSweeperLifecycle(t *testing.T) {
	c, _, clock := newTestCache(t, Config{TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a@small", make([]byte, 100)))
	clock.advance(2 * time.Hour)

	s := NewSweeper(c, time.Hour, nil)

	result := s.RunOnce(ctx)
	require.EqualValues(t, 1, result.ExpiredEntries)

	require.NoError(t, s.Start(ctx))
	s.Stop()

	// Stop after stop is a no-op.
	s.Stop()
}
