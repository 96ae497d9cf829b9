package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/incogthemself/site-snapshot/internal/api"
	"github.com/incogthemself/site-snapshot/internal/config"
	"github.com/incogthemself/site-snapshot/internal/fetcher"
	"github.com/incogthemself/site-snapshot/internal/job"
	"github.com/incogthemself/site-snapshot/internal/mirror"
	"github.com/incogthemself/site-snapshot/internal/progress"
	"github.com/incogthemself/site-snapshot/internal/robots"
	"github.com/incogthemself/site-snapshot/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to service configuration")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("failed to load config: %v", err)
		}
		defaults := config.Default()
		cfg = &defaults
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting mirror service",
		"addr", cfg.Server.Addr,
		"max_concurrent_jobs", cfg.Server.MaxConcurrent,
	)

	var store storage.Store
	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sqlStore, err := storage.NewSQLStore(cfg.DB)
		if err != nil {
			logger.Error("initialise metadata store failed", "error", err)
		} else {
			store = sqlStore
			defer sqlStore.Close()
		}
	} else {
		logger.Warn("no database configured, job metadata is memory-only")
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Fetch.UserAgent,
		Headers:      cfg.Fetch.Headers,
		Timeout:      cfg.Fetch.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		ProxyURL:     cfg.Fetch.ProxyURL,
	})
	if err != nil {
		log.Fatalf("failed to initialise fetcher: %v", err)
	}

	renderer := fetcher.NewChromedpRenderer(fetcher.RenderOptions{
		Timeout:            cfg.Rendering.Timeout.Duration,
		NetworkIdleWait:    cfg.Rendering.NetworkIdleWait.Duration,
		ViewportWidth:      cfg.Rendering.ViewportWidth,
		ViewportHeight:     cfg.Rendering.ViewportHeight,
		UserAgent:          cfg.Fetch.UserAgent,
		MaxBodyBytes:       cfg.Fetch.MaxBodyBytes,
		DisableHeadless:    cfg.Rendering.DisableHeadless,
		ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
	})

	limiter := mirror.NewHostLimiter(cfg.Fetch.PerHostDelay.Duration, mirror.RateLimit{
		Requests: cfg.Fetch.RateLimit.Requests,
		Window:   cfg.Fetch.RateLimit.Window.Duration,
	})

	runner, err := mirror.NewRunner(mirror.RunnerOptions{
		Fetcher:         httpFetcher,
		Renderer:        renderer,
		Robots:          robots.NewAgent(cfg.Robots, httpFetcher.Client()),
		Store:           store,
		Limiter:         limiter,
		Logger:          logger,
		MaxRetries:      cfg.Fetch.MaxRetries,
		RetryBackoff:    cfg.Fetch.RetryBackoff.Duration,
		MaxCrawlLinks:   cfg.Mirror.MaxCrawlLinks,
		MaxFailureNotes: cfg.Mirror.MaxFailureNotes,
	})
	if err != nil {
		log.Fatalf("failed to initialise runner: %v", err)
	}

	hub := progress.NewHub(logger)
	defer hub.Close()

	manager, err := job.NewManager(ctx, job.ManagerOptions{
		Runner:      runner,
		Store:       store,
		OutputRoot:  cfg.Mirror.OutputRoot,
		Concurrency: cfg.Server.MaxConcurrent,
		QueueSize:   cfg.Server.QueueSize,
		Logger:      logger,
		Sinks:       []job.Sink{hub},
	})
	if err != nil {
		log.Fatalf("failed to initialise job manager: %v", err)
	}

	server := api.NewServer(manager, hub)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		manager.Shutdown()
	}()

	logger.Info("mirror service listening", "addr", cfg.Server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Println("mirror service stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Structured {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
