package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vidarr/vidarr/internal/cleanup"
	"github.com/vidarr/vidarr/internal/companion"
	"github.com/vidarr/vidarr/internal/database"
	"github.com/vidarr/vidarr/internal/fetch"
	"github.com/vidarr/vidarr/internal/ffmpeg"
	internalhttp "github.com/vidarr/vidarr/internal/http"
	"github.com/vidarr/vidarr/internal/http/handlers"
	"github.com/vidarr/vidarr/internal/mediainfo"
	"github.com/vidarr/vidarr/internal/pipeline"
	"github.com/vidarr/vidarr/internal/progress"
	"github.com/vidarr/vidarr/internal/proxy"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/scheduler"
	"github.com/vidarr/vidarr/internal/startup"
	"github.com/vidarr/vidarr/internal/storage"
	"github.com/vidarr/vidarr/internal/upstream"
	"github.com/vidarr/vidarr/internal/version"
	"github.com/vidarr/vidarr/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vidarr server",
	Long: `Start the vidarr HTTP server.

The server provides:
- Transparent reverse proxy of the upstream frontend
- Byte-range serving of cached videos and synthesized adaptive manifests
- REST API for the download queue, library, and exclusions
- Health check endpoint and OpenAPI documentation`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().String("videos-dir", "", "Videos directory holding the cache and catalog")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Serve-specific flag overrides, same priority rule as the logging flags.
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("videos-dir") {
		cfg.Storage.VideosDir, _ = cmd.Flags().GetString("videos-dir")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	initLogging(cfg.Logging)
	logger := slog.Default()

	// Storage and catalog.
	library, err := storage.NewLibrary(cfg.Storage.VideosDir)
	if err != nil {
		return fmt.Errorf("initializing videos directory: %w", err)
	}

	db, err := database.Open(library.CatalogPath(), logger)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	catalog := repository.New(db)
	if err := catalog.Init(context.Background()); err != nil {
		return fmt.Errorf("initializing catalog: %w", err)
	}
	defer catalog.Close()

	// Boot recovery: orphaned queue rows back to pending, stale tmp files out.
	if err := startup.Run(context.Background(), logger, catalog, library, cfg.Storage.TmpMaxAge); err != nil {
		return fmt.Errorf("boot recovery: %w", err)
	}

	// Upstream user database (read-only) and companion resolver.
	reader, err := upstream.NewReader(cfg.Upstream.DatabaseDSN, logger)
	if err != nil {
		return fmt.Errorf("connecting upstream database: %w", err)
	}
	defer reader.Close()

	resolver := companion.New(cfg.Companion.URL, cfg.Companion.Secret, logger)

	// Download machinery.
	tracker := progress.NewTracker()

	var throttle *fetch.ThrottleConfig
	if cfg.Download.Throttle.SpeedThreshold > 0 {
		throttle = &fetch.ThrottleConfig{
			SpeedFloor: cfg.Download.Throttle.SpeedThreshold,
			Window:     cfg.Download.Throttle.DetectionWindow(),
		}
	}

	pl := pipeline.New(catalog, resolver, ffmpeg.NewMuxer(logger), library, tracker, pipeline.Config{
		Quality:   cfg.Download.Quality,
		RateLimit: cfg.Download.RateLimitBytes,
		Throttle:  throttle,
	}, logger)

	processor := scheduler.NewProcessor(catalog, pl, scheduler.Config{
		MaxConcurrent:      cfg.Download.MaxConcurrent,
		MaxRetries:         cfg.Download.MaxRetries,
		RetryBaseDelay:     cfg.Download.RetryBaseDelay(),
		ThrottleMaxRetries: cfg.Download.Throttle.MaxRetries,
	}, logger)

	watcherSvc := watcher.New(reader, catalog, cfg.Watcher, processor.Wake, logger)
	cleanupSvc := cleanup.New(catalog, reader, library, cfg.Cleanup, logger)

	// HTTP surface: control-plane API, cache routes, proxy catch-all.
	upstreamProxy, err := proxy.New(cfg.Upstream.FrontendURL, cfg.Upstream.ProxyTimeout, logger)
	if err != nil {
		return fmt.Errorf("initializing upstream proxy: %w", err)
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	handlers.NewHealthHandler(version.Version, catalog, reader).Register(server.API())
	handlers.NewQueueHandler(catalog, processor, logger).Register(server.API())
	handlers.NewDownloadsHandler(catalog, library, logger).Register(server.API())
	handlers.NewExclusionsHandler(catalog, logger).Register(server.API())
	handlers.NewStatusHandler(catalog, tracker, processor, watcherSvc, cleanupSvc, library, logger).Register(server.API())
	handlers.NewProgressHandler(tracker).Register(server.API())

	// Cache routes last so the API keeps precedence, with the proxy as the
	// router's NotFound fallback.
	shim := internalhttp.NewCacheShim(catalog, library, mediainfo.NewInspector(), upstreamProxy, logger)
	shim.Mount(server.Router())

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	processor.Start(ctx)
	defer processor.Stop()

	if err := watcherSvc.Start(ctx); err != nil {
		return fmt.Errorf("starting subscription watcher: %w", err)
	}
	defer watcherSvc.Stop()

	if err := cleanupSvc.Start(ctx); err != nil {
		return fmt.Errorf("starting cleanup service: %w", err)
	}
	defer cleanupSvc.Stop()

	logger.Info("starting vidarr server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
		slog.String("videos_dir", library.BaseDir()),
	)

	return server.ListenAndServe(ctx)
}
