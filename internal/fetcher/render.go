package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/incogthemself/site-snapshot/pkg/types"
)

// Renderer loads a page in a browser, waits for network idle, and returns the
// final DOM snapshot plus the resource URLs observed during the load.
type Renderer interface {
	Render(ctx context.Context, u *url.URL, onNetwork NetworkFunc) (*types.Page, error)
}

// NetworkFunc receives running counts of issued requests and observed
// responses while the page loads. Implementations must not block.
type NetworkFunc func(requests, responses int)

// RenderOptions configures the headless browser pipeline.
type RenderOptions struct {
	Timeout            time.Duration
	NetworkIdleWait    time.Duration
	ViewportWidth      int
	ViewportHeight     int
	UserAgent          string
	MaxBodyBytes       int64
	DisableHeadless    bool
	ConcurrentSessions int
}

// ChromedpRenderer executes headless Chrome sessions using chromedp.
type ChromedpRenderer struct {
	opts      RenderOptions
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewChromedpRenderer constructs a renderer with bounded concurrency.
func NewChromedpRenderer(opts RenderOptions) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.NetworkIdleWait <= 0 {
		opts.NetworkIdleWait = 1500 * time.Millisecond
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1920
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 1080
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	return &ChromedpRenderer{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
		logger:    slog.Default(),
	}
}

// Render navigates to the target URL and exports the final DOM outer HTML.
func (r *ChromedpRenderer) Render(parentCtx context.Context, u *url.URL, onNetwork NetworkFunc) (*types.Page, error) {
	if u == nil {
		return nil, fmt.Errorf("render URL is nil")
	}

	logger := r.logger.With("url", u.String(), "timeout", r.opts.Timeout.String())

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	headless := !r.opts.DisableHeadless
	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if ua := strings.TrimSpace(selectUserAgent(r.opts.UserAgent)); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	watcher := newNetworkWatcher(onNetwork)
	chromedp.ListenTarget(chromeCtx, watcher.handle)

	start := time.Now()
	var html string
	var finalURL string

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.EmulateViewport(int64(r.opts.ViewportWidth), int64(r.opts.ViewportHeight)),
		chromedp.Navigate(u.String()),
		waitForDocumentReady(logger),
		// Grace period so late XHR-driven DOM mutations settle before the snapshot.
		chromedp.Sleep(r.opts.NetworkIdleWait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	}

	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		logger.Error("chromedp run failed", "error", err)
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	if int64(len(html)) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}

	parsedFinal := u
	if finalURL != "" {
		if parsed, err := url.Parse(finalURL); err == nil {
			parsedFinal = parsed
		}
	}

	latency := time.Since(start)
	requests, responses, observed := watcher.snapshot()
	logger.Debug("chromedp render complete",
		"latency_ms", latency.Milliseconds(),
		"final_url", parsedFinal.String(),
		"html_bytes", len(html),
		"requests", requests,
		"responses", responses,
	)

	return &types.Page{
		URL:             u,
		FinalURL:        parsedFinal,
		Body:            []byte(html),
		ContentType:     "text/html; charset=utf-8",
		StatusCode:      200,
		FetchedAt:       time.Now(),
		Rendered:        true,
		ObservedURLs:    observed,
		ResponseLatency: latency,
	}, nil
}

// networkWatcher tallies CDP network events during a page load.
type networkWatcher struct {
	mu        sync.Mutex
	requests  int
	responses int
	observed  []string
	seen      map[string]struct{}
	notify    NetworkFunc
}

func newNetworkWatcher(notify NetworkFunc) *networkWatcher {
	return &networkWatcher{
		seen:   make(map[string]struct{}),
		notify: notify,
	}
}

func (w *networkWatcher) handle(ev any) {
	switch evt := ev.(type) {
	case *network.EventRequestWillBeSent:
		w.mu.Lock()
		w.requests++
		requests, responses := w.requests, w.responses
		w.mu.Unlock()
		w.report(requests, responses)
	case *network.EventResponseReceived:
		w.mu.Lock()
		w.responses++
		if evt.Response != nil && evt.Response.URL != "" {
			if _, dup := w.seen[evt.Response.URL]; !dup {
				w.seen[evt.Response.URL] = struct{}{}
				w.observed = append(w.observed, evt.Response.URL)
			}
		}
		requests, responses := w.requests, w.responses
		w.mu.Unlock()
		w.report(requests, responses)
	}
}

func (w *networkWatcher) report(requests, responses int) {
	if w.notify != nil {
		w.notify(requests, responses)
	}
}

func (w *networkWatcher) snapshot() (requests, responses int, observed []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests, w.responses, append([]string(nil), w.observed...)
}

func selectUserAgent(base string) string {
	if strings.TrimSpace(base) != "" {
		return base
	}
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"
}

func waitForDocumentReady(logger *slog.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				if logger != nil {
					logger.Warn("waitForDocumentReady evaluate failed", "error", err)
				}
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				if logger != nil {
					logger.Warn("waitForDocumentReady cancelled", "error", ctx.Err())
				}
				return ctx.Err()
			}
		}
	})
}
