package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/incogthemself/site-snapshot/internal/config"
	"github.com/incogthemself/site-snapshot/internal/fetcher"
	"github.com/incogthemself/site-snapshot/internal/mirror"
	"github.com/incogthemself/site-snapshot/internal/robots"
	"github.com/incogthemself/site-snapshot/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to service configuration file")
	outDir := flag.String("out", "", "Output directory (default: <output_root>/<host>)")
	render := flag.Bool("render", false, "Render with a headless browser before mirroring")
	depth := flag.Int("depth", 0, "Crawl depth: 0 for the page alone, 1 to include linked pages")
	flag.Parse()

	rawURL := flag.Arg(0)
	if rawURL == "" {
		fmt.Fprintln(os.Stderr, "usage: site-snapshot [flags] <url>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		defaults := config.Default()
		cfg = &defaults
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Fetch.UserAgent,
		Headers:      cfg.Fetch.Headers,
		Timeout:      cfg.Fetch.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		ProxyURL:     cfg.Fetch.ProxyURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise fetcher: %v\n", err)
		os.Exit(1)
	}

	var renderer fetcher.Renderer
	strategy := types.StrategyFetch
	if *render {
		strategy = types.StrategyRender
		renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
			Timeout:            cfg.Rendering.Timeout.Duration,
			NetworkIdleWait:    cfg.Rendering.NetworkIdleWait.Duration,
			ViewportWidth:      cfg.Rendering.ViewportWidth,
			ViewportHeight:     cfg.Rendering.ViewportHeight,
			UserAgent:          cfg.Fetch.UserAgent,
			MaxBodyBytes:       cfg.Fetch.MaxBodyBytes,
			DisableHeadless:    cfg.Rendering.DisableHeadless,
			ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
		})
	}

	limiter := mirror.NewHostLimiter(cfg.Fetch.PerHostDelay.Duration, mirror.RateLimit{
		Requests: cfg.Fetch.RateLimit.Requests,
		Window:   cfg.Fetch.RateLimit.Window.Duration,
	})

	runner, err := mirror.NewRunner(mirror.RunnerOptions{
		Fetcher:         httpFetcher,
		Renderer:        renderer,
		Robots:          robots.NewAgent(cfg.Robots, httpFetcher.Client()),
		Limiter:         limiter,
		Logger:          logger,
		MaxRetries:      cfg.Fetch.MaxRetries,
		RetryBackoff:    cfg.Fetch.RetryBackoff.Duration,
		MaxCrawlLinks:   cfg.Mirror.MaxCrawlLinks,
		MaxFailureNotes: cfg.Mirror.MaxFailureNotes,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise runner: %v\n", err)
		os.Exit(1)
	}

	outputDir := *outDir
	if outputDir == "" {
		outputDir = cfg.Mirror.OutputRoot
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	spec := mirror.RunSpec{
		JobID:      "cli",
		SourceURL:  rawURL,
		Strategy:   strategy,
		CrawlDepth: *depth,
		OutputDir:  outputDir,
		Report: func(evt types.ProgressEvent, counts mirror.Counts) {
			fmt.Printf("\r%3d%%  %-24s  fetched %d  failed %d", evt.Percent, evt.Step, counts.Fetched, counts.Failed)
		},
	}

	summary, err := runner.Mirror(ctx, spec)
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirror failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("saved to %s: %s\n", outputDir, summary.Message)
	for _, failure := range summary.Failures {
		fmt.Fprintf(os.Stderr, "warn: %s\n", failure)
	}
}
