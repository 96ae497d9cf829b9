package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/incogthemself/site-snapshot/internal/fetcher"
	"github.com/incogthemself/site-snapshot/pkg/types"
)

// countingServer serves a fixed site and records how many times each path was
// requested.
type countingServer struct {
	mu     sync.Mutex
	counts map[string]int
	server *httptest.Server
}

func newCountingServer(t *testing.T, pages map[string]string) *countingServer {
	t.Helper()
	cs := &countingServer{counts: make(map[string]int)}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.counts[r.URL.Path]++
		cs.mu.Unlock()

		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ".css"):
			w.Header().Set("Content-Type", "text/css")
		case strings.HasSuffix(r.URL.Path, ".js"):
			w.Header().Set("Content-Type", "application/javascript")
		default:
			w.Header().Set("Content-Type", "text/html")
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *countingServer) count(path string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.counts[path]
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	f, err := fetcher.NewHTTPFetcher(fetcher.Options{UserAgent: "site-snapshot-test"})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	runner, err := NewRunner(RunnerOptions{
		Fetcher: f,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runner
}

func fixtureSite() map[string]string {
	return map[string]string{
		"/": `<!DOCTYPE html><html><head>
<link rel="stylesheet" href="/css/a.css">
<link rel="icon" href="/favicon.ico">
<link rel="preload" as="font" href="/fonts/inter.woff2">
<script src="/js/app.js"></script>
</head><body>
<img src="/img/hero.png">
<img src="/img/hero.png">
<div style="background-image: url('/img/bg.jpg')"></div>
<a href="/about">about</a>
</body></html>`,
		"/about":             `<html><head><link rel="stylesheet" href="/css/a.css"></head><body>about</body></html>`,
		"/css/a.css":         "@import \"b.css\";\nbody { background: url(\"/img/bg.jpg\"); font-family: url(\"../fonts/inter.woff2\"); }\n",
		"/css/b.css":         "@import url(a.css);\nh1 { color: red; }\n",
		"/js/app.js":         "console.log('hi');",
		"/img/hero.png":      "PNGDATA-hero",
		"/img/bg.jpg":        "JPGDATA-bg",
		"/favicon.ico":       "ICODATA",
		"/fonts/inter.woff2": "WOFFDATA",
	}
}

func readOutput(t *testing.T, dir, local string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(local)))
	if err != nil {
		t.Fatalf("read %s: %v", local, err)
	}
	return string(data)
}

func TestMirrorProducesSelfContainedCopy(t *testing.T) {
	cs := newCountingServer(t, fixtureSite())
	runner := newTestRunner(t)
	outDir := t.TempDir()

	var (
		mu        sync.Mutex
		lastPct   int
		regressed bool
	)
	spec := RunSpec{
		JobID:     "test",
		SourceURL: cs.server.URL + "/",
		Strategy:  types.StrategyFetch,
		OutputDir: outDir,
		Report: func(evt types.ProgressEvent, _ Counts) {
			mu.Lock()
			if evt.Percent < lastPct {
				regressed = true
			}
			lastPct = evt.Percent
			mu.Unlock()
		},
	}

	summary, err := runner.Mirror(context.Background(), spec)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if regressed {
		t.Fatal("progress moved backwards during the run")
	}
	if lastPct != 100 {
		t.Fatalf("final progress = %d, want 100", lastPct)
	}
	if summary.Failed != 0 {
		t.Fatalf("unexpected failures: %v", summary.Failures)
	}

	for _, local := range []string{
		"index.html", "css/a.css", "css/b.css", "js/app.js",
		"images/hero.png", "images/bg.jpg", "icons/favicon.ico", "fonts/inter.woff2",
	} {
		if _, err := os.Stat(filepath.Join(outDir, filepath.FromSlash(local))); err != nil {
			t.Fatalf("expected output file %s: %v", local, err)
		}
	}

	// Every resource is fetched exactly once, including the duplicated image
	// and both halves of the cyclic stylesheet import.
	for _, path := range []string{
		"/", "/css/a.css", "/css/b.css", "/js/app.js",
		"/img/hero.png", "/img/bg.jpg", "/favicon.ico", "/fonts/inter.woff2",
	} {
		if got := cs.count(path); got != 1 {
			t.Fatalf("%s fetched %d times, want 1", path, got)
		}
	}
}

func TestMirrorRewritesDocumentReferences(t *testing.T) {
	cs := newCountingServer(t, fixtureSite())
	runner := newTestRunner(t)
	outDir := t.TempDir()

	if _, err := runner.Mirror(context.Background(), RunSpec{
		JobID:     "test",
		SourceURL: cs.server.URL + "/",
		Strategy:  types.StrategyFetch,
		OutputDir: outDir,
	}); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	html := readOutput(t, outDir, "index.html")
	for _, want := range []string{
		`href="css/a.css"`,
		`src="js/app.js"`,
		`src="images/hero.png"`,
		`href="icons/favicon.ico"`,
		`href="fonts/inter.woff2"`,
		`url(&#34;images/bg.jpg&#34;)`,
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("document missing rewritten reference %s\n%s", want, html)
		}
	}
	if strings.Contains(html, cs.server.URL) {
		t.Fatalf("document still references the origin server\n%s", html)
	}
}

func TestMirrorRewritesStylesheetGraph(t *testing.T) {
	cs := newCountingServer(t, fixtureSite())
	runner := newTestRunner(t)
	outDir := t.TempDir()

	if _, err := runner.Mirror(context.Background(), RunSpec{
		JobID:     "test",
		SourceURL: cs.server.URL + "/",
		Strategy:  types.StrategyFetch,
		OutputDir: outDir,
	}); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	// A stylesheet lives one directory deep, so its references climb out of
	// css/ before descending into the target folder.
	cssA := readOutput(t, outDir, "css/a.css")
	if !strings.Contains(cssA, `@import "../css/b.css";`) {
		t.Fatalf("a.css missing rewritten import:\n%s", cssA)
	}
	if !strings.Contains(cssA, `url("../images/bg.jpg")`) {
		t.Fatalf("a.css missing rewritten image url:\n%s", cssA)
	}
	if !strings.Contains(cssA, `url("../fonts/inter.woff2")`) {
		t.Fatalf("a.css missing rewritten font url:\n%s", cssA)
	}

	cssB := readOutput(t, outDir, "css/b.css")
	if !strings.Contains(cssB, `@import "../css/a.css";`) {
		t.Fatalf("b.css missing rewritten cyclic import:\n%s", cssB)
	}
}

func TestMirrorCrawlsLinkedPages(t *testing.T) {
	cs := newCountingServer(t, fixtureSite())
	runner := newTestRunner(t)
	outDir := t.TempDir()

	summary, err := runner.Mirror(context.Background(), RunSpec{
		JobID:      "test",
		SourceURL:  cs.server.URL + "/",
		Strategy:   types.StrategyFetch,
		CrawlDepth: 1,
		OutputDir:  outDir,
	})
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if summary.Failed != 0 {
		t.Fatalf("unexpected failures: %v", summary.Failures)
	}

	sub := readOutput(t, outDir, "about/index.html")
	if !strings.Contains(sub, `href="../css/a.css"`) {
		t.Fatalf("sub-page stylesheet reference not rewritten relative to its depth:\n%s", sub)
	}
}

func TestMirrorPausesAtCheckpoint(t *testing.T) {
	cs := newCountingServer(t, fixtureSite())
	runner := newTestRunner(t)

	var reports int
	var mu sync.Mutex
	paused := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reports > 2
	}

	_, err := runner.Mirror(context.Background(), RunSpec{
		JobID:     "test",
		SourceURL: cs.server.URL + "/",
		Strategy:  types.StrategyFetch,
		OutputDir: t.TempDir(),
		Paused:    paused,
		Report: func(types.ProgressEvent, Counts) {
			mu.Lock()
			reports++
			mu.Unlock()
		},
	})
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestMirrorFailsWhenDocumentUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	runner := newTestRunner(t)
	_, err := runner.Mirror(context.Background(), RunSpec{
		JobID:     "test",
		SourceURL: server.URL + "/",
		Strategy:  types.StrategyFetch,
		OutputDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error when the top-level document cannot be fetched")
	}
}

func TestMirrorToleratesMissingResources(t *testing.T) {
	pages := fixtureSite()
	delete(pages, "/img/hero.png")
	cs := newCountingServer(t, pages)

	runner := newTestRunner(t)
	summary, err := runner.Mirror(context.Background(), RunSpec{
		JobID:     "test",
		SourceURL: cs.server.URL + "/",
		Strategy:  types.StrategyFetch,
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("mirror should tolerate missing resources: %v", err)
	}
	if summary.Failed == 0 {
		t.Fatal("expected the missing image to be counted as a failure")
	}
}

func TestMirrorRejectsInvalidURL(t *testing.T) {
	runner := newTestRunner(t)
	if _, err := runner.Mirror(context.Background(), RunSpec{
		JobID:     "test",
		SourceURL: "not a url",
		OutputDir: t.TempDir(),
	}); err == nil {
		t.Fatal("expected error for invalid source url")
	}
}

func TestMirrorDistinctImagesSharingBasename(t *testing.T) {
	cs := newCountingServer(t, map[string]string{
		"/":           `<html><body><img src="/a/logo.png"><img src="/b/logo.png"></body></html>`,
		"/a/logo.png": "LOGO-A",
		"/b/logo.png": "LOGO-B",
	})
	runner := newTestRunner(t)
	outDir := t.TempDir()

	summary, err := runner.Mirror(context.Background(), RunSpec{
		JobID:     "test",
		SourceURL: cs.server.URL + "/",
		Strategy:  types.StrategyFetch,
		OutputDir: outDir,
	})
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if summary.Failed != 0 {
		t.Fatalf("failed = %d, want 0: %v", summary.Failed, summary.Failures)
	}

	localB := disambiguatePath("images/logo.png", cs.server.URL+"/b/logo.png")
	if got := readOutput(t, outDir, "images/logo.png"); got != "LOGO-A" {
		t.Fatalf("images/logo.png = %q, want LOGO-A", got)
	}
	if got := readOutput(t, outDir, localB); got != "LOGO-B" {
		t.Fatalf("%s = %q, want LOGO-B", localB, got)
	}

	doc := readOutput(t, outDir, "index.html")
	if !strings.Contains(doc, `src="images/logo.png"`) {
		t.Fatalf("first image not rewritten:\n%s", doc)
	}
	if !strings.Contains(doc, `src="`+localB+`"`) {
		t.Fatalf("second image not rewritten to %s:\n%s", localB, doc)
	}
}

func TestMirrorFailedResourceFetchedAndCountedOnce(t *testing.T) {
	cs := newCountingServer(t, map[string]string{
		"/": `<html><body>
<img src="/img/missing.png">
<div style="background: url('/img/missing.png')"></div>
</body></html>`,
	})
	runner := newTestRunner(t)
	outDir := t.TempDir()

	summary, err := runner.Mirror(context.Background(), RunSpec{
		JobID:     "test",
		SourceURL: cs.server.URL + "/",
		Strategy:  types.StrategyFetch,
		OutputDir: outDir,
	})
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if got := cs.count("/img/missing.png"); got != 1 {
		t.Fatalf("missing resource fetched %d times, want 1", got)
	}
	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1: %v", summary.Failed, summary.Failures)
	}
	// Both references keep the origin URL instead of a dead local path.
	doc := readOutput(t, outDir, "index.html")
	if !strings.Contains(doc, `src="/img/missing.png"`) {
		t.Fatalf("img src should keep its origin URL:\n%s", doc)
	}
	if strings.Contains(doc, "images/missing.png") {
		t.Fatalf("failed resource rewritten to a dead local path:\n%s", doc)
	}
}
