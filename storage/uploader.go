package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wolfeidau/asset-pipeline/backoff"
	"github.com/wolfeidau/asset-pipeline/telemetry"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

// Uploader combines destination resolution, the remote store client, and
// retry scheduling into the upload operation domain callers use.
type Uploader struct {
	client   *Client
	resolver *Resolver
	retry    backoff.Options
	logger   *slog.Logger
	now      func() time.Time
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithLogger sets the logger for upload events.
func WithLogger(logger *slog.Logger) UploaderOption {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithRetryOptions overrides the retry schedule, e.g. for tests.
func WithRetryOptions(opts backoff.Options) UploaderOption {
	return func(u *Uploader) {
		u.retry = opts
	}
}

// NewUploader creates an uploader over the given client and resolver.
func NewUploader(client *Client, resolver *Resolver, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		client:   client,
		resolver: resolver,
		retry: backoff.Options{
			MaxAttempts: backoff.DefaultMaxAttempts,
			Policy:      backoff.DefaultPolicy(),
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("component", "uploader")
	return u
}

// Upload resolves the destination path for the owner context and uploads
// the blob, retrying transient failures up to the configured attempt
// budget. It returns the asset reference holding the canonical identifier
// the store assigned.
//
// A missing destination root fails before any network call. Permanent
// failures surface immediately; transient exhaustion wraps
// ErrRetryExhausted.
func (u *Uploader) Upload(ctx context.Context, oc OwnerContext, blob []byte, mimeType string) (*assetpipeline.AssetRef, error) {
	destination, err := u.resolver.ResolveDestination(oc)
	if err != nil {
		return nil, err
	}

	start := u.now()

	var (
		canonicalID string
		attempts    int
	)
	err = backoff.Retry(ctx, u.retry, func(ctx context.Context) error {
		attempts++
		id, uploadErr := u.client.Upload(ctx, destination, blob, mimeType)
		if uploadErr != nil {
			u.logger.Warn("upload attempt failed",
				"destination", destination,
				"attempt", attempts,
				"error", uploadErr)
			return uploadErr
		}
		canonicalID = id
		return nil
	})

	duration := u.now().Sub(start)

	if err != nil {
		outcome := "permanent"
		if errors.Is(err, assetpipeline.ErrRetryExhausted) {
			outcome = "exhausted"
		}
		telemetry.RecordUpload(ctx, outcome, attempts, duration, int64(len(blob)))
		return nil, err
	}

	telemetry.RecordUpload(ctx, "success", attempts, duration, int64(len(blob)))

	u.logger.Info("upload complete",
		"destination", destination,
		"canonical_id", canonicalID,
		"attempts", attempts,
		"size_bytes", len(blob))

	return &assetpipeline.AssetRef{
		CanonicalID:     canonicalID,
		MIMEType:        mimeType,
		OwnerDescriptor: oc.Owner,
	}, nil
}
