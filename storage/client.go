package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/asset-pipeline/telemetry"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

const (
	// DefaultTimeout bounds every remote store call.
	DefaultTimeout = 30 * time.Second

	// maxFetchSize caps thumbnail and asset downloads.
	maxFetchSize = 256 * 1024 * 1024
)

// Client talks to the remote object store's HTTP API: authenticated binary
// upload, thumbnail renditions, and full asset fetch.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration

	uploadClient    *http.Client
	thumbnailClient *http.Client
	assetClient     *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token presented to the remote store.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithTransport sets the base transport, e.g. for tests.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.uploadClient.Transport = telemetry.NewInstrumentedTransport(rt, "upload")
		c.thumbnailClient.Transport = telemetry.NewInstrumentedTransport(rt, "thumbnail")
		c.assetClient.Transport = telemetry.NewInstrumentedTransport(rt, "asset")
	}
}

// NewClient creates a remote store client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:         baseURL,
		timeout:         DefaultTimeout,
		uploadClient:    &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "upload")},
		thumbnailClient: &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "thumbnail")},
		assetClient:     &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "asset")},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.uploadClient.Timeout = c.timeout
	c.thumbnailClient.Timeout = c.timeout
	c.assetClient.Timeout = c.timeout
	return c
}

// uploadResponse is the remote store's reply to a successful upload.
type uploadResponse struct {
	ID string `json:"id"`
}

// Upload sends a binary to the remote store at the given destination path
// and returns the canonical identifier the store assigned. Errors are
// classified as transient or permanent; the caller decides whether to
// retry.
func (c *Client) Upload(ctx context.Context, destinationPath string, blob []byte, mimeType string) (string, error) {
	u := fmt.Sprintf("%s/v1/objects/%s", c.baseURL, escapePath(destinationPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	c.authorize(req)

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		drain(resp.Body)
		return "", classifyStatus(resp.StatusCode)
	}

	var ur uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ur); err != nil {
		return "", fmt.Errorf("%w: decoding upload response: %w", assetpipeline.ErrTransient, err)
	}
	if ur.ID == "" {
		return "", fmt.Errorf("%w: upload response missing id", assetpipeline.ErrTransient)
	}

	return ur.ID, nil
}

// ThumbnailURL returns the deterministic URL for a thumbnail rendition.
func (c *Client) ThumbnailURL(canonicalID string, size assetpipeline.SizeClass) string {
	return fmt.Sprintf("%s/v1/thumbnails/%s?size=%s",
		c.baseURL, url.PathEscape(canonicalID), size)
}

// FetchThumbnail requests a server generated thumbnail rendition. When the
// store cannot produce the requested size class it returns
// ErrSizeClassUnsupported, signalling the caller to fall back to the full
// asset.
func (c *Client) FetchThumbnail(ctx context.Context, canonicalID string, size assetpipeline.SizeClass) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ThumbnailURL(canonicalID, size), nil)
	if err != nil {
		return nil, fmt.Errorf("building thumbnail request: %w", err)
	}
	c.authorize(req)

	resp, err := c.thumbnailClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusUnsupportedMediaType, http.StatusNotImplemented:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: %s for %s", assetpipeline.ErrSizeClassUnsupported, size, canonicalID)
	default:
		drain(resp.Body)
		return nil, classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return body, nil
}

// FetchAsset retrieves the original bytes for a canonical identifier.
func (c *Client) FetchAsset(ctx context.Context, canonicalID string) ([]byte, error) {
	u := fmt.Sprintf("%s/v1/assets/%s", c.baseURL, url.PathEscape(canonicalID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building asset request: %w", err)
	}
	c.authorize(req)

	resp, err := c.assetClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus maps a remote store status code into the error taxonomy.
// Rate limiting and server-side failures are transient; authentication and
// payload validation failures are permanent.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited (status %d)", assetpipeline.ErrTransient, status)
	case status >= 500:
		return fmt.Errorf("%w: remote store failure (status %d)", assetpipeline.ErrTransient, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: authentication rejected (status %d)", assetpipeline.ErrPermanent, status)
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: payload rejected (status %d)", assetpipeline.ErrPermanent, status)
	default:
		return fmt.Errorf("%w: unexpected status %d", assetpipeline.ErrPermanent, status)
	}
}

// classifyTransportError maps connection level failures. Timeouts and
// resets are transient; context cancellation passes through unchanged so
// callers can distinguish an aborted request from a failed one.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", assetpipeline.ErrTransient, err)
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Err != nil && errors.Is(ue.Err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", assetpipeline.ErrTransient, err)
	}

	return fmt.Errorf("%w: %w", assetpipeline.ErrTransient, err)
}

// escapePath escapes each segment of a destination path while keeping the
// separators so the remote hierarchy stays browsable.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<20))
}
