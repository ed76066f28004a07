// Command asset-pipeline serves the photo asset pipeline: uploads to the
// remote object store, a persistent thumbnail cache, progressive asset
// resolution, and batch prefetch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/asset-pipeline/server"
	"github.com/wolfeidau/asset-pipeline/telemetry"
)

var version = "dev"

var cli struct {
	Address  string `help:"Address to listen on." default:":8080"`
	DataPath string `help:"Directory for cache blobs and index." default:"./data" type:"path"`

	RemoteURL   string `help:"Remote object store base URL." required:"" env:"REMOTE_URL"`
	RemoteToken string `help:"Bearer token for the remote object store." env:"REMOTE_TOKEN"`
	AuthToken   string `help:"Require this bearer token on pipeline endpoints." env:"AUTH_TOKEN"`

	CacheMaxSize        int64         `help:"Thumbnail cache capacity in bytes." default:"104857600"`
	CacheTTL            time.Duration `help:"Thumbnail cache entry lifetime." default:"168h"`
	SweepInterval       time.Duration `help:"How often the background sweep compacts the cache." default:"24h"`
	PrefetchConcurrency int           `help:"Simultaneous prefetch fetches." default:"4"`
	StageTimeout        time.Duration `help:"Timeout per loader fallback stage." default:"10s"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`

	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("asset-pipeline"),
		kong.Description("Photo asset pipeline server."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "asset-pipeline",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:             cli.Address,
		DataPath:            cli.DataPath,
		RemoteURL:           cli.RemoteURL,
		RemoteToken:         cli.RemoteToken,
		AuthToken:           cli.AuthToken,
		CacheMaxSize:        cli.CacheMaxSize,
		CacheTTL:            cli.CacheTTL,
		SweepInterval:       cli.SweepInterval,
		PrefetchConcurrency: cli.PrefetchConcurrency,
		StageTimeout:        cli.StageTimeout,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"data_path", cli.DataPath,
		"remote_url", cli.RemoteURL,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	switch cli.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
	default:
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})), nil
	}
}
