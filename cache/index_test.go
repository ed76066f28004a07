package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()

	index, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	return index
}

func TestIndexPutGet(t *testing.T) {
	index := newTestIndex(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := &Entry{
		Key:          "asset-1@medium",
		Size:         1234,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(time.Hour),
	}
	require.NoError(t, index.Put(entry))

	got, err := index.Get("asset-1@medium")
	require.NoError(t, err)
	require.Equal(t, entry.Key, got.Key)
	require.EqualValues(t, 1234, got.Size)
	require.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
}

func TestIndexGetMissing(t *testing.T) {
	index := newTestIndex(t)

	_, err := index.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIndexTouch(t *testing.T) {
	index := newTestIndex(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, index.Put(&Entry{Key: "a", LastAccessed: now}))

	later := now.Add(time.Minute)
	require.NoError(t, index.Touch("a", later))

	got, err := index.Get("a")
	require.NoError(t, err)
	require.True(t, got.LastAccessed.Equal(later))

	require.ErrorIs(t, index.Touch("missing", later), ErrNotFound)
}

func TestIndexList(t *testing.T) {
	index := newTestIndex(t)

	require.NoError(t, index.Put(&Entry{Key: "a", Size: 1}))
	require.NoError(t, index.Put(&Entry{Key: "b", Size: 2}))
	require.NoError(t, index.Delete("a"))

	entries, err := index.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].Key)
}

func TestEntryExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := &Entry{ExpiresAt: now}

	require.True(t, entry.Expired(now), "boundary counts as expired")
	require.True(t, entry.Expired(now.Add(time.Second)))
	require.False(t, entry.Expired(now.Add(-time.Second)))
}
