// Package server provides the HTTP server for the asset pipeline: photo
// upload, progressive thumbnail resolution, batch prefetch, and cache
// introspection.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/asset-pipeline/cache"
	"github.com/wolfeidau/asset-pipeline/loader"
	"github.com/wolfeidau/asset-pipeline/localstore"
	"github.com/wolfeidau/asset-pipeline/prefetch"
	"github.com/wolfeidau/asset-pipeline/storage"
	"github.com/wolfeidau/asset-pipeline/telemetry"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

// maxUploadSize bounds request bodies on the upload endpoint.
const maxUploadSize = 64 * 1024 * 1024

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataPath is the root directory for the cache blobs and index.
	DataPath string

	// RemoteURL is the base URL of the remote object store.
	RemoteURL string

	// RemoteToken authenticates this service to the remote object store.
	RemoteToken string

	// AuthToken, when set, requires Bearer authentication on every
	// endpoint except /health and /metrics.
	AuthToken string

	// CacheMaxSize is the thumbnail cache capacity in bytes.
	// Zero uses the cache default.
	CacheMaxSize int64

	// CacheTTL is the thumbnail cache entry lifetime.
	// Zero uses the cache default.
	CacheTTL time.Duration

	// SweepInterval is how often the background sweep compacts the cache.
	// Zero uses the sweeper default.
	SweepInterval time.Duration

	// PrefetchConcurrency bounds simultaneous prefetch fetches.
	PrefetchConcurrency int

	// StageTimeout bounds each loader fallback stage.
	StageTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the asset pipeline.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	blobs      localstore.Store
	index      *cache.Index
	cache      *cache.Cache
	sweeper    *cache.Sweeper
	client     *storage.Client
	uploader   *storage.Uploader
	loader     *loader.Loader
	prefetcher *prefetch.Prefetcher
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "./data"
	}
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("remote object store URL is required")
	}

	fsStore, err := localstore.NewFilesystem(filepath.Join(cfg.DataPath, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("creating blob store: %w", err)
	}
	blobs := localstore.NewInstrumented(fsStore, "filesystem")

	index, err := cache.OpenIndex(filepath.Join(cfg.DataPath, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	thumbCache, err := cache.New(cache.Config{
		MaxSize: cfg.CacheMaxSize,
		TTL:     cfg.CacheTTL,
		Logger:  cfg.Logger,
	}, index, blobs)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	sweeper := cache.NewSweeper(thumbCache, cfg.SweepInterval, cfg.Logger)

	clientOpts := []storage.ClientOption{}
	if cfg.RemoteToken != "" {
		clientOpts = append(clientOpts, storage.WithToken(cfg.RemoteToken))
	}
	client := storage.NewClient(cfg.RemoteURL, clientOpts...)

	resolver := storage.NewResolver()
	uploader := storage.NewUploader(client, resolver,
		storage.WithLogger(cfg.Logger))

	loaderOpts := []loader.Option{loader.WithLogger(cfg.Logger)}
	if cfg.StageTimeout > 0 {
		loaderOpts = append(loaderOpts, loader.WithStageTimeout(cfg.StageTimeout))
	}
	assetLoader := loader.New(thumbCache, client, loaderOpts...)

	prefetcher := prefetch.New(thumbCache, assetLoader,
		prefetch.WithConcurrency(cfg.PrefetchConcurrency),
		prefetch.WithLogger(cfg.Logger))

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		blobs:      blobs,
		index:      index,
		cache:      thumbCache,
		sweeper:    sweeper,
		client:     client,
		uploader:   uploader,
		loader:     assetLoader,
		prefetcher: prefetcher,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Asset pipeline endpoints
	mux.HandleFunc("POST /assets/{category}", s.handleUpload)
	mux.HandleFunc("GET /assets/{id}/thumbnail", s.handleThumbnail)
	mux.HandleFunc("GET /assets/{id}", s.handleAsset)
	mux.HandleFunc("POST /prefetch", s.handlePrefetch)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports cache accounting.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// uploadResult is the response body for a successful upload.
type uploadResult struct {
	CanonicalID     string `json:"canonical_id"`
	MIMEType        string `json:"mime_type"`
	OwnerDescriptor string `json:"owner_descriptor"`
}

// handleUpload accepts a binary blob and uploads it to the remote store
// under the canonical destination path for the owner context carried in
// query parameters.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload")

	oc := storage.OwnerContext{
		Category: r.PathValue("category"),
		Owner:    r.URL.Query().Get("owner"),
		Kind:     r.URL.Query().Get("kind"),
		Name:     r.URL.Query().Get("name"),
		Ext:      r.URL.Query().Get("ext"),
	}

	blob, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(blob) == 0 {
		writeError(w, http.StatusBadRequest, "empty request body")
		return
	}

	ref, err := s.uploader.Upload(r.Context(), oc, blob, r.Header.Get("Content-Type"))
	if err != nil {
		switch {
		case errors.Is(err, assetpipeline.ErrNoDestinationRoot):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, assetpipeline.ErrRetryExhausted):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.Is(err, assetpipeline.ErrPermanent):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, uploadResult{
		CanonicalID:     ref.CanonicalID,
		MIMEType:        ref.MIMEType,
		OwnerDescriptor: ref.OwnerDescriptor,
	})
}

// handleThumbnail resolves a thumbnail rendition through the fallback
// chain: cache, live thumbnail, full asset.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "thumbnail")

	size, err := assetpipeline.ParseSizeClass(r.URL.Query().Get("size"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.loader.Resolve(r.Context(), r.PathValue("id"), size)
	if err != nil {
		if errors.Is(err, assetpipeline.ErrAssetUnavailable) {
			writeError(w, http.StatusBadGateway, "asset unavailable")
			return
		}
		if r.Context().Err() != nil {
			// Client went away; nothing useful to write.
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.Source == loader.SourceCache {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	w.Header().Set("Content-Type", http.DetectContentType(res.Blob))
	w.Header().Set("X-Resolution-Source", string(res.Source))
	_, _ = w.Write(res.Blob)
}

// handleAsset fetches the original bytes for a canonical identifier
// straight from the remote store.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "asset")

	blob, err := s.client.FetchAsset(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, assetpipeline.ErrPermanent):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, assetpipeline.ErrTransient):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			if r.Context().Err() == nil {
				writeError(w, http.StatusInternalServerError, err.Error())
			}
		}
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(blob))
	_, _ = w.Write(blob)
}

// prefetchRequest is the body for POST /prefetch.
type prefetchRequest struct {
	CanonicalIDs []string `json:"canonical_ids"`
	Size         string   `json:"size"`
}

// handlePrefetch warms the cache for a batch of identifiers.
func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "prefetch")

	var req prefetchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	size, err := assetpipeline.ParseSizeClass(req.Size)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.prefetcher.Prefetch(r.Context(), req.CanonicalIDs, size)
	if err != nil && r.Context().Err() != nil {
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result and endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		endpoint := tags.Endpoint
		if endpoint == "" {
			endpoint = "unknown"
		}
		attrs = append(attrs, "endpoint", endpoint)

		if tags.CacheResult != "" && tags.CacheResult != telemetry.CacheBypass {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), endpoint, wrapped.status, duration)
	})
}

// Start starts the server and the background cache sweep.
func (s *Server) Start() error {
	s.logger.Info("starting cache sweeper",
		"ttl", s.config.CacheTTL,
		"max_size", s.config.CacheMaxSize,
		"sweep_interval", s.config.SweepInterval,
	)
	if err := s.sweeper.Start(context.Background()); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, stops the sweeper, and closes
// the cache index.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.sweeper.Stop()

	err := s.httpServer.Shutdown(ctx)

	if closeErr := s.index.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
