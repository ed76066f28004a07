package assetpipeline

import "errors"

var (
	// ErrNoDestinationRoot is returned when an upload is attempted for a
	// category that has no destination root configured. Checked before any
	// network call is made.
	ErrNoDestinationRoot = errors.New("no destination root configured")

	// ErrTransient marks an upload or fetch failure that is safe to retry:
	// timeouts, connection resets, rate limiting, upstream 5xx.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks an upload failure that must not be retried:
	// authentication or payload validation rejection.
	ErrPermanent = errors.New("permanent upload failure")

	// ErrRetryExhausted is returned when every retry attempt failed
	// transiently. It wraps the last transient error.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCacheStorage marks a local cache storage failure. It never crosses
	// the cache boundary; the cache absorbs it and degrades to a miss.
	ErrCacheStorage = errors.New("cache storage unavailable")

	// ErrAssetUnavailable is returned when every loader fallback stage
	// (cache, live thumbnail, full asset) has failed.
	ErrAssetUnavailable = errors.New("asset unavailable")

	// ErrSizeClassUnsupported is returned when the remote store cannot
	// produce a thumbnail for the requested size class. Callers fall back
	// to the full asset.
	ErrSizeClassUnsupported = errors.New("size class not supported by remote store")
)

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
