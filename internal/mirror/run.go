package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/incogthemself/site-snapshot/internal/fetcher"
	"github.com/incogthemself/site-snapshot/internal/robots"
	"github.com/incogthemself/site-snapshot/internal/storage"
	"github.com/incogthemself/site-snapshot/pkg/types"
)

// RunSpec describes one mirror run. Pause and Report are optional; a nil
// Report makes the run silent and a nil Paused makes it uninterruptible.
type RunSpec struct {
	JobID      string
	SourceURL  string
	Strategy   types.Strategy
	CrawlDepth int
	OutputDir  string

	// Paused is consulted before each phase and before each resource fetch;
	// an in-flight fetch always completes before a pause takes effect.
	Paused func() bool

	// Report receives progress after every meaningful increment. It must not
	// block; delivery is best-effort.
	Report func(evt types.ProgressEvent, counts Counts)
}

// checkpoint is the cooperative cancellation/pause gate.
func (s *RunSpec) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Paused != nil && s.Paused() {
		return ErrPaused
	}
	return nil
}

// Counts is a snapshot of the run's aggregate resource counters.
type Counts struct {
	Discovered int
	Fetched    int
	Failed     int
	Bytes      int64
}

// Summary is the final outcome of a completed run.
type Summary struct {
	Counts
	Failures []string
	Message  string
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Fetcher         fetcher.Fetcher
	Renderer        fetcher.Renderer
	Robots          *robots.Agent
	Store           storage.Store
	Limiter         *HostLimiter
	Logger          *slog.Logger
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxCrawlLinks   int
	MaxFailureNotes int
}

// Runner drives mirror runs: it sequences phases, owns no cross-run state, and
// tolerates per-resource failures.
type Runner struct {
	fetcher  fetcher.Fetcher
	renderer fetcher.Renderer
	robots   *robots.Agent
	store    storage.Store
	limiter  *HostLimiter
	logger   *slog.Logger

	maxRetries      int
	retryBackoff    time.Duration
	maxCrawlLinks   int
	maxFailureNotes int
}

// NewRunner constructs a Runner. Fetcher is required; everything else is optional.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("runner requires a fetcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxLinks := opts.MaxCrawlLinks
	if maxLinks <= 0 || maxLinks > 10 {
		maxLinks = 10
	}
	return &Runner{
		fetcher:         opts.Fetcher,
		renderer:        opts.Renderer,
		robots:          opts.Robots,
		store:           opts.Store,
		limiter:         opts.Limiter,
		logger:          logger,
		maxRetries:      opts.MaxRetries,
		retryBackoff:    backoff,
		maxCrawlLinks:   maxLinks,
		maxFailureNotes: opts.MaxFailureNotes,
	}, nil
}

// Mirror executes one full mirror run. Per-resource failures are counted and
// tolerated; only failure to obtain the top-level document is returned as an
// error. ErrPaused is returned when the run stops at a pause checkpoint.
func (r *Runner) Mirror(ctx context.Context, spec RunSpec) (Summary, error) {
	srcURL, err := url.Parse(strings.TrimSpace(spec.SourceURL))
	if err != nil || srcURL.Scheme == "" || srcURL.Host == "" {
		return Summary{}, fmt.Errorf("invalid source url %q", spec.SourceURL)
	}

	logger := r.logger.With("job_id", spec.JobID, "url", srcURL.String())
	acc := &Accountant{}
	st := newRunState(r.maxFailureNotes)

	if err := spec.checkpoint(ctx); err != nil {
		return Summary{}, err
	}

	r.report(&spec, st, acc.Enter(PhaseDocument), PhaseDocument.Label, "")
	page, err := r.obtainDocument(ctx, &spec, srcURL, acc)
	if err != nil {
		return Summary{}, fmt.Errorf("obtain document: %w", err)
	}

	base := page.FinalURL
	if base == nil {
		base = srcURL
	}
	if page.Rendered {
		logger.Debug("browser render complete", "observed_urls", len(page.ObservedURLs))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Summary{}, fmt.Errorf("parse document: %w", err)
	}
	r.report(&spec, st, acc.Step(PhaseDocument, 1, 1), PhaseDocument.Label, "")

	// Same-domain links come from the original document, before any rewriting.
	var links []*url.URL
	if spec.CrawlDepth > 0 {
		links = ExtractSameDomainLinks(doc, base, r.maxCrawlLinks)
	}

	docLocal := localPathForURL(base)
	if err := r.mirrorDocument(ctx, &spec, st, acc, doc, base, docLocal); err != nil {
		return r.summarize(st), err
	}

	if len(links) > 0 {
		if err := r.crawlLinkedPages(ctx, &spec, st, acc, links); err != nil {
			return r.summarize(st), err
		}
	}

	summary := r.summarize(st)
	r.report(&spec, st, acc.Complete(), PhaseComplete.Label, docLocal)
	logger.Info("mirror complete",
		"fetched", summary.Fetched,
		"failed", summary.Failed,
		"bytes", summary.Bytes,
	)
	return summary, nil
}

// obtainDocument fetches or renders the top-level document according to the
// run strategy. Renderer failures fall back to a plain HTTP fetch before the
// run is declared fatal.
func (r *Runner) obtainDocument(ctx context.Context, spec *RunSpec, u *url.URL, acc *Accountant) (*types.Page, error) {
	if spec.Strategy == types.StrategyRender && r.renderer != nil {
		page, err := r.renderer.Render(ctx, u, func(requests, responses int) {
			r.report(spec, nil, acc.Network(requests, responses), PhaseNetwork.Label, "")
		})
		if err == nil {
			return page, nil
		}
		r.logger.Warn("renderer failed, falling back to HTTP fetch", "url", u.String(), "error", err)
	}
	return r.fetchBytes(ctx, u)
}

// mirrorDocument runs the static phases for one parsed page: fetch each
// resource category, resolve the stylesheet graph, rewrite inline styles, and
// persist the rewritten document last.
func (r *Runner) mirrorDocument(ctx context.Context, spec *RunSpec, st *runState, acc *Accountant, doc *goquery.Document, base *url.URL, docLocal string) error {
	prefix := strings.Repeat("../", dirDepth(docLocal))

	if err := r.fetchCategory(ctx, spec, st, acc, doc, base, types.KindFont, PhaseFonts, prefix); err != nil {
		return err
	}
	if err := r.mirrorStylesheets(ctx, spec, st, acc, doc, base, prefix); err != nil {
		return err
	}
	if err := r.fetchCategory(ctx, spec, st, acc, doc, base, types.KindIcon, PhaseIcons, prefix); err != nil {
		return err
	}
	if err := r.fetchCategory(ctx, spec, st, acc, doc, base, types.KindScript, PhaseScripts, prefix); err != nil {
		return err
	}
	if err := r.fetchCategory(ctx, spec, st, acc, doc, base, types.KindImage, PhaseImages, prefix); err != nil {
		return err
	}
	if err := r.rewriteInlineStyles(ctx, spec, st, acc, doc, base, prefix); err != nil {
		return err
	}
	return r.persistDocument(ctx, spec, st, acc, doc, base, docLocal)
}

// fetchCategory fetches and rewrites every reference of one resource category.
func (r *Runner) fetchCategory(ctx context.Context, spec *RunSpec, st *runState, acc *Accountant, doc *goquery.Document, base *url.URL, kind types.Kind, phase Phase, prefix string) error {
	if err := spec.checkpoint(ctx); err != nil {
		return err
	}
	sel, ok := categorySelectors[kind]
	if !ok {
		return nil
	}
	st.noteDiscovered(len(ExtractRefs(doc, kind)))
	r.report(spec, st, acc.Enter(phase), phase.Label, "")

	nodes := doc.Find(sel.selector)
	total := nodes.Length()
	done := 0
	var stopErr error
	nodes.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if stopErr = spec.checkpoint(ctx); stopErr != nil {
			return false
		}
		done++
		ref, ok := s.Attr(sel.attr)
		if !ok || !usableRef(strings.TrimSpace(ref)) {
			return true
		}
		ref = strings.TrimSpace(ref)
		target, err := base.Parse(ref)
		if err != nil {
			st.noteFailure(ref, err)
			return true
		}
		local, err := r.fetchResource(ctx, spec, st, target, kind)
		if err != nil {
			r.report(spec, st, acc.Step(phase, done, total), phase.Label, "")
			return true
		}
		s.SetAttr(sel.attr, prefix+local)
		r.report(spec, st, acc.Step(phase, done, total), phase.Label, local)
		return true
	})
	if stopErr != nil {
		return stopErr
	}
	r.report(spec, st, acc.Step(phase, 1, 1), phase.Label, "")
	return nil
}

// mirrorStylesheets resolves the import graph of every top-level stylesheet
// link, persists each sheet's rewritten text, and rewrites the link href.
func (r *Runner) mirrorStylesheets(ctx context.Context, spec *RunSpec, st *runState, acc *Accountant, doc *goquery.Document, base *url.URL, prefix string) error {
	if err := spec.checkpoint(ctx); err != nil {
		return err
	}
	st.noteDiscovered(len(ExtractRefs(doc, types.KindStylesheet)))
	r.report(spec, st, acc.Enter(PhaseCSS), PhaseCSS.Label, "")

	nodes := doc.Find(categorySelectors[types.KindStylesheet].selector)
	total := nodes.Length()
	done := 0
	var stopErr error
	nodes.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if stopErr = spec.checkpoint(ctx); stopErr != nil {
			return false
		}
		done++
		ref, ok := s.Attr("href")
		if !ok || !usableRef(strings.TrimSpace(ref)) {
			return true
		}
		ref = strings.TrimSpace(ref)
		target, err := base.Parse(ref)
		if err != nil {
			st.noteFailure(ref, err)
			return true
		}
		local := st.pathFor(target, types.KindStylesheet)

		// The resolver only handles recursion; the top-level sheet's own
		// bytes are fetched and persisted here.
		if st.markCSSVisited(target) {
			page, err := r.fetchBytes(ctx, target)
			if err != nil {
				st.markFailed(target)
				st.noteFailure(target.String(), err)
				r.report(spec, st, acc.Step(PhaseCSS, done, total), PhaseCSS.Label, "")
				return true
			}
			rewritten, rerr := r.resolveStylesheetBody(ctx, spec, st, target, string(page.Body))
			if rerr != nil {
				stopErr = rerr
				return false
			}
			r.persistStylesheet(ctx, spec, st, target, local, rewritten)
		}
		// A repeat link to a sheet that failed to fetch keeps its origin href.
		if st.hasFailed(target) {
			return true
		}
		s.SetAttr("href", prefix+local)
		r.report(spec, st, acc.Step(PhaseCSS, done, total), PhaseCSS.Label, local)
		return true
	})
	if stopErr != nil {
		return stopErr
	}
	r.report(spec, st, acc.Step(PhaseCSS, 1, 1), PhaseCSS.Label, "")
	return nil
}

// rewriteInlineStyles rewrites background-image url() references in inline
// style attributes, reusing canonical mappings from the earlier image pass and
// fetching fresh only when a URL was never seen.
func (r *Runner) rewriteInlineStyles(ctx context.Context, spec *RunSpec, st *runState, acc *Accountant, doc *goquery.Document, base *url.URL, prefix string) error {
	if err := spec.checkpoint(ctx); err != nil {
		return err
	}
	st.noteDiscovered(len(ExtractInlineBackgroundRefs(doc)))
	r.report(spec, st, acc.Enter(PhaseInline), PhaseInline.Label, "")

	var stopErr error
	doc.Find("[style]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if stopErr = spec.checkpoint(ctx); stopErr != nil {
			return false
		}
		style, ok := s.Attr("style")
		if !ok || !strings.Contains(style, "background") {
			return true
		}
		refs := make(map[string]string)
		for _, match := range cssURLRe.FindAllStringSubmatch(style, -1) {
			ref := strings.TrimSpace(match[1])
			if !usableRef(ref) {
				continue
			}
			target, err := base.Parse(ref)
			if err != nil {
				st.noteFailure(ref, err)
				continue
			}
			kind := cssAssetKind(target)
			local, err := r.fetchResource(ctx, spec, st, target, kind)
			if err != nil {
				continue
			}
			refs[ref] = prefix + local
		}
		if len(refs) > 0 {
			s.SetAttr("style", rewriteCSSURLs(style, refs))
		}
		return true
	})
	if stopErr != nil {
		return stopErr
	}
	r.report(spec, st, acc.Step(PhaseInline, 1, 1), PhaseInline.Label, "")
	return nil
}

// persistDocument serialises the rewritten document. It is always written
// last, after every reference rewrite has been applied.
func (r *Runner) persistDocument(ctx context.Context, spec *RunSpec, st *runState, acc *Accountant, doc *goquery.Document, base *url.URL, docLocal string) error {
	if err := spec.checkpoint(ctx); err != nil {
		return err
	}
	r.report(spec, st, acc.Enter(PhaseRewrite), PhaseRewrite.Label, "")

	html, err := doc.Html()
	if err != nil {
		return fmt.Errorf("serialise document: %w", err)
	}
	if err := writeFile(spec.OutputDir, docLocal, []byte(html)); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	st.markPersisted(base, int64(len(html)))
	st.noteDiscovered(1)
	r.recordResource(ctx, spec, types.Resource{
		JobID:     spec.JobID,
		Path:      docLocal,
		SourceURL: base.String(),
		Kind:      types.KindDocument,
		Size:      int64(len(html)),
	})
	r.report(spec, st, acc.Step(PhaseRewrite, 1, 1), PhaseRewrite.Label, docLocal)
	return nil
}

// crawlLinkedPages mirrors up to the cap of same-domain links, each as an
// independent single-page fetch with no resource-graph sharing.
func (r *Runner) crawlLinkedPages(ctx context.Context, spec *RunSpec, st *runState, acc *Accountant, links []*url.URL) error {
	r.report(spec, st, acc.Enter(PhaseCrawl), PhaseCrawl.Label, "")
	for i, link := range links {
		if err := spec.checkpoint(ctx); err != nil {
			return err
		}
		if r.robots != nil && !r.robots.Allowed(ctx, link) {
			r.logger.Debug("sub-page blocked by robots", "url", link.String())
			continue
		}
		if err := r.mirrorSubPage(ctx, spec, st, link); err != nil {
			return err
		}
		r.report(spec, st, acc.Step(PhaseCrawl, i+1, len(links)), PhaseCrawl.Label, link.String())
	}
	return nil
}

// mirrorSubPage mirrors one linked page with its own dedup state. Sub-page
// failures never fail the parent run.
func (r *Runner) mirrorSubPage(ctx context.Context, spec *RunSpec, parent *runState, link *url.URL) error {
	page, err := r.fetchBytes(ctx, link)
	if err != nil {
		parent.noteFailure(link.String(), err)
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		parent.noteFailure(link.String(), err)
		return nil
	}
	base := page.FinalURL
	if base == nil {
		base = link
	}

	sub := newRunState(r.maxFailureNotes)
	subSpec := RunSpec{
		JobID:     spec.JobID,
		SourceURL: link.String(),
		Strategy:  types.StrategyFetch,
		OutputDir: spec.OutputDir,
		Paused:    spec.Paused,
	}
	err = r.mirrorDocument(ctx, &subSpec, sub, &Accountant{}, doc, base, localPathForURL(base))
	parent.absorb(sub)
	if err != nil {
		if errors.Is(err, ErrPaused) || ctx.Err() != nil {
			return err
		}
		parent.noteFailure(link.String(), err)
	}
	return nil
}

// fetchResource is the fetch-and-persist pipeline for one resource: download
// bytes, write them at the canonical local path, and record the file. Repeat
// references resolve to the prior mapping without a second fetch, and a URL
// that failed once is neither refetched nor counted again. Failure accounting
// lives here; callers only decide whether to rewrite the reference.
func (r *Runner) fetchResource(ctx context.Context, spec *RunSpec, st *runState, target *url.URL, kind types.Kind) (string, error) {
	local := st.pathFor(target, kind)
	if st.isPersisted(target) {
		return local, nil
	}
	if st.hasFailed(target) {
		return "", errAlreadyFailed
	}
	page, err := r.fetchBytes(ctx, target)
	if err != nil {
		if ctx.Err() == nil {
			st.markFailed(target)
			st.noteFailure(target.String(), err)
		}
		return "", err
	}
	if err := writeFile(spec.OutputDir, local, page.Body); err != nil {
		st.markFailed(target)
		st.noteFailure(target.String(), err)
		return "", fmt.Errorf("persist %s: %w", local, err)
	}
	st.markPersisted(target, int64(len(page.Body)))
	r.recordResource(ctx, spec, types.Resource{
		JobID:     spec.JobID,
		Path:      local,
		SourceURL: target.String(),
		Kind:      kind,
		Size:      int64(len(page.Body)),
	})
	return local, nil
}

// fetchBytes downloads a URL with politeness limiting and bounded retry.
// Non-2xx responses and transport errors surface as a FetchError.
func (r *Runner) fetchBytes(ctx context.Context, u *url.URL) (*types.Page, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, u.Hostname()); err != nil {
			return nil, err
		}
	}
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.retryBackoff * time.Duration(attempt)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
		page, err := r.fetcher.Fetch(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		if page.StatusCode < 200 || page.StatusCode > 299 {
			lastErr = fmt.Errorf("unexpected status %d", page.StatusCode)
			continue
		}
		return page, nil
	}
	return nil, &FetchError{URL: u.String(), Err: lastErr}
}

func (r *Runner) recordResource(ctx context.Context, spec *RunSpec, res types.Resource) {
	if r.store == nil {
		return
	}
	res.CreatedAt = time.Now()
	if err := r.store.CreateFile(ctx, res); err != nil {
		r.logger.Warn("record file failed", "job_id", spec.JobID, "path", res.Path, "error", err)
	}
}

func (r *Runner) report(spec *RunSpec, st *runState, percent int, step, resourcePath string) {
	if spec == nil || spec.Report == nil {
		return
	}
	var counts Counts
	if st != nil {
		discovered, fetched, failed, size, _ := st.counts()
		counts = Counts{Discovered: discovered, Fetched: fetched, Failed: failed, Bytes: size}
	}
	spec.Report(types.ProgressEvent{
		JobID:        spec.JobID,
		Percent:      percent,
		Step:         step,
		ResourcePath: resourcePath,
	}, counts)
}

func (r *Runner) summarize(st *runState) Summary {
	discovered, fetched, failed, size, failures := st.counts()
	summary := Summary{
		Counts:   Counts{Discovered: discovered, Fetched: fetched, Failed: failed, Bytes: size},
		Failures: failures,
	}
	attempted := fetched + failed
	if attempted > 0 {
		summary.Message = fmt.Sprintf("%d/%d resources (%d%%)", fetched, attempted, fetched*100/attempted)
	}
	return summary
}

// writeFile writes bytes under the output root, creating parent directories.
func writeFile(root, local string, data []byte) error {
	full := filepath.Join(root, filepath.FromSlash(local))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
