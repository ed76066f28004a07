// Package cache implements the size and TTL bounded thumbnail cache. Blobs
// are stored framed in a localstore.Store, with metadata tracked in a bbolt
// backed index. Capacity is enforced by a single compaction pass which
// removes expired entries first, then evicts least recently used entries
// until total size fits the configured maximum.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/asset-pipeline/localstore"
	"github.com/wolfeidau/asset-pipeline/telemetry"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

const (
	// DefaultMaxSize is the cache capacity when none is configured.
	DefaultMaxSize = 100 * 1024 * 1024

	// DefaultTTL is the entry lifetime when none is configured.
	DefaultTTL = 7 * 24 * time.Hour
)

// ErrTooLarge is returned by Put when a blob exceeds the cache capacity on
// its own. The blob is not stored and no existing entries are evicted.
var ErrTooLarge = errors.New("cache: blob exceeds maximum cache size")

// Config contains the cache configuration.
type Config struct {
	// MaxSize is the total capacity in bytes. Defaults to DefaultMaxSize.
	MaxSize int64
	// TTL is the lifetime of each entry. Defaults to DefaultTTL.
	TTL time.Duration
	// Logger for cache operations. Defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a snapshot of the cache accounting.
type Stats struct {
	EntryCount     int64 `json:"entry_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// SweepResult reports the work done by one compaction pass.
type SweepResult struct {
	ExpiredEntries int64
	ExpiredBytes   int64
	EvictedEntries int64
	EvictedBytes   int64
}

// Cache is the persistent thumbnail cache. Reads are concurrent; writes and
// compaction are serialized by an internal mutex so that the size invariant
// holds after every put.
type Cache struct {
	config Config
	index  *Index
	blobs  localstore.Store
	logger *slog.Logger

	now func() time.Time

	mu         sync.Mutex
	totalSize  int64
	entryCount int64
}

// New creates a cache over the given index and blob store, rebuilding the
// size accounting from the index. The caller owns the index lifecycle.
func New(config Config, index *Index, blobs localstore.Store) (*Cache, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Cache{
		config: config,
		index:  index,
		blobs:  blobs,
		logger: config.Logger.With("component", "cache"),
		now:    time.Now,
	}

	entries, err := index.List()
	if err != nil {
		return nil, fmt.Errorf("rebuilding cache accounting: %w", err)
	}
	for _, e := range entries {
		c.totalSize += e.Size
		c.entryCount++
	}

	c.logger.Info("cache opened",
		"entries", c.entryCount,
		"size_bytes", c.totalSize,
		"max_size_bytes", config.MaxSize)

	return c, nil
}

// Get returns the cached blob for a key, or ok=false on a miss. An entry
// whose TTL has elapsed is removed and reported as a miss. Storage failures
// degrade to a miss rather than propagating; the caller falls through to
// the remote store.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	entry, err := c.index.Get(key)
	if errors.Is(err, ErrNotFound) {
		telemetry.RecordCacheGet(ctx, "miss")
		return nil, false
	}
	if err != nil {
		c.logger.Error("cache index read failed", "key", key,
			"error", fmt.Errorf("%w: %w", assetpipeline.ErrCacheStorage, err))
		telemetry.RecordCacheGet(ctx, "error")
		return nil, false
	}

	if entry.Expired(now) {
		c.removeEntry(ctx, entry)
		telemetry.RecordCacheGet(ctx, "expired")
		return nil, false
	}

	rc, err := c.blobs.Read(ctx, key)
	if err != nil {
		// Index said present but the blob is gone or unreadable. Drop the
		// stale entry so accounting stays consistent, and report a miss.
		c.logger.Warn("cache blob read failed", "key", key, "error", err)
		c.removeEntry(ctx, entry)
		telemetry.RecordCacheGet(ctx, "error")
		return nil, false
	}
	defer rc.Close()

	_, body, err := localstore.ReadFramed(rc)
	if err != nil {
		c.logger.Warn("cache blob corrupt", "key", key, "error", err)
		c.removeEntry(ctx, entry)
		telemetry.RecordCacheGet(ctx, "error")
		return nil, false
	}

	if err := c.index.Touch(key, now); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("cache touch failed", "key", key, "error", err)
	}

	telemetry.RecordCacheGet(ctx, "hit")
	return body, true
}

// Put stores a blob under a key and enforces the capacity bound before
// returning. A blob larger than the configured maximum is rejected with
// ErrTooLarge. Storage failures are wrapped with ErrCacheStorage; callers
// treat these as non-fatal.
func (c *Cache) Put(ctx context.Context, key string, blob []byte) error {
	size := int64(len(blob))
	if size > c.config.MaxSize {
		telemetry.RecordCachePut(ctx, "rejected", size)
		return fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, size, c.config.MaxSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if err := c.writeBlob(ctx, key, blob); err != nil {
		telemetry.RecordCachePut(ctx, "error", size)
		return fmt.Errorf("%w: writing blob: %w", assetpipeline.ErrCacheStorage, err)
	}

	// Overwriting an existing key replaces its accounting.
	if prev, err := c.index.Get(key); err == nil {
		c.totalSize -= prev.Size
		c.entryCount--
	}

	entry := &Entry{
		Key:          key,
		Size:         size,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(c.config.TTL),
	}
	if err := c.index.Put(entry); err != nil {
		_ = c.blobs.Delete(ctx, key)
		telemetry.RecordCachePut(ctx, "error", size)
		return fmt.Errorf("%w: writing index entry: %w", assetpipeline.ErrCacheStorage, err)
	}

	c.totalSize += size
	c.entryCount++

	c.compactLocked(ctx, now)

	telemetry.RecordCachePut(ctx, "stored", size)
	telemetry.UpdateCacheUsage(ctx, c.entryCount, c.totalSize)
	return nil
}

// Delete removes a key from the cache. Missing keys are a no-op.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.index.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", assetpipeline.ErrCacheStorage, err)
	}

	c.deleteLocked(ctx, entry)
	telemetry.UpdateCacheUsage(ctx, c.entryCount, c.totalSize)
	return nil
}

// Compact runs one full compaction pass: expired entries are removed first,
// then least recently used entries are evicted until total size fits the
// configured maximum. Put runs the same pass after every insert; the
// background sweeper runs it periodically to reclaim space for entries that
// expire without being read.
func (c *Cache) Compact(ctx context.Context) SweepResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := c.compactLocked(ctx, c.now())
	telemetry.UpdateCacheUsage(ctx, c.entryCount, c.totalSize)
	return result
}

// Stats returns a snapshot of the cache accounting.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{EntryCount: c.entryCount, TotalSizeBytes: c.totalSize}
}

// writeBlob frames and writes a blob to the store. Image formats are
// already compressed, so zstd is only applied to compressible content.
func (c *Cache) writeBlob(ctx context.Context, key string, blob []byte) error {
	contentType := http.DetectContentType(blob)

	header := &localstore.FrameHeader{
		ContentType: contentType,
		CachedAt:    c.now().UTC().Format(time.RFC3339),
	}
	if localstore.CompressibleContentType(contentType) {
		header.Encoding = localstore.EncodingZstd
	}

	var buf bytes.Buffer
	if err := localstore.WriteFramed(&buf, header, blob); err != nil {
		return err
	}
	return c.blobs.Write(ctx, key, &buf)
}

// compactLocked removes expired entries, then evicts by recency until the
// size bound holds. Callers must hold c.mu.
func (c *Cache) compactLocked(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult

	entries, err := c.index.List()
	if err != nil {
		c.logger.Error("compaction list failed",
			"error", fmt.Errorf("%w: %w", assetpipeline.ErrCacheStorage, err))
		return result
	}

	live := entries[:0]
	for _, e := range entries {
		if e.Expired(now) {
			c.deleteLocked(ctx, e)
			result.ExpiredEntries++
			result.ExpiredBytes += e.Size
			continue
		}
		live = append(live, e)
	}
	if result.ExpiredEntries > 0 {
		telemetry.RecordEviction(ctx, "ttl", int(result.ExpiredEntries), result.ExpiredBytes)
	}

	if c.totalSize <= c.config.MaxSize {
		return result
	}

	// Oldest access first; entries never read since insertion tie-break on
	// creation time so the oldest insert goes first.
	sort.Slice(live, func(i, j int) bool {
		if !live[i].LastAccessed.Equal(live[j].LastAccessed) {
			return live[i].LastAccessed.Before(live[j].LastAccessed)
		}
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	for _, e := range live {
		if c.totalSize <= c.config.MaxSize {
			break
		}
		c.deleteLocked(ctx, e)
		result.EvictedEntries++
		result.EvictedBytes += e.Size
	}
	if result.EvictedEntries > 0 {
		telemetry.RecordEviction(ctx, "lru", int(result.EvictedEntries), result.EvictedBytes)
		c.logger.Info("evicted entries over capacity",
			"evicted", result.EvictedEntries,
			"reclaimed_bytes", result.EvictedBytes,
			"size_bytes", c.totalSize)
	}

	return result
}

// removeEntry deletes an entry found stale during a read path. Takes the
// writer lock itself.
func (c *Cache) removeEntry(ctx context.Context, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-read under the lock in case a concurrent Put replaced the entry.
	current, err := c.index.Get(entry.Key)
	if err != nil || !current.CreatedAt.Equal(entry.CreatedAt) {
		return
	}
	c.deleteLocked(ctx, current)
	telemetry.UpdateCacheUsage(ctx, c.entryCount, c.totalSize)
}

// deleteLocked removes an entry's blob and index record and adjusts the
// accounting. Callers must hold c.mu.
func (c *Cache) deleteLocked(ctx context.Context, entry *Entry) {
	if err := c.blobs.Delete(ctx, entry.Key); err != nil {
		c.logger.Warn("cache blob delete failed", "key", entry.Key, "error", err)
	}
	if err := c.index.Delete(entry.Key); err != nil {
		c.logger.Warn("cache index delete failed", "key", entry.Key, "error", err)
		return
	}
	c.totalSize -= entry.Size
	c.entryCount--
}
