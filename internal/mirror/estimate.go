package mirror

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/incogthemself/site-snapshot/pkg/types"
)

// Fixed per-kind averages for the pre-flight heuristic. These are deliberately
// coarse; the estimate exists to set expectations, not to be right.
const (
	avgStylesheetBytes = 45 * 1024
	avgScriptBytes     = 90 * 1024
	avgImageBytes      = 120 * 1024

	perResourceMillis   = 400
	renderOverheadSecs  = 8
	crawlPageFixedSecs  = 3
	crawlPageFixedBytes = 200 * 1024
)

// Estimate fetches the raw document once, counts resource tags, and projects
// cost from fixed per-kind constants scaled by strategy and crawl depth. It
// never performs the real mirror.
func (r *Runner) Estimate(ctx context.Context, rawURL string, strategy types.Strategy, crawlDepth int) (types.Estimate, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return types.Estimate{}, fmt.Errorf("invalid url %q", rawURL)
	}

	page, err := r.fetchBytes(ctx, u)
	if err != nil {
		return types.Estimate{}, fmt.Errorf("fetch document: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(page.Body)))
	if err != nil {
		return types.Estimate{}, fmt.Errorf("parse document: %w", err)
	}

	stylesheets := len(ExtractRefs(doc, types.KindStylesheet))
	scripts := len(ExtractRefs(doc, types.KindScript))
	images := len(ExtractRefs(doc, types.KindImage))

	count := stylesheets + scripts + images + 1
	bytes := int64(len(page.Body)) +
		int64(stylesheets)*avgStylesheetBytes +
		int64(scripts)*avgScriptBytes +
		int64(images)*avgImageBytes
	seconds := (count*perResourceMillis + 999) / 1000

	if strategy == types.StrategyRender {
		seconds += renderOverheadSecs
	}
	if crawlDepth > 0 {
		base := page.FinalURL
		if base == nil {
			base = u
		}
		links := len(ExtractSameDomainLinks(doc, base, r.maxCrawlLinks))
		seconds += links * crawlPageFixedSecs
		bytes += int64(links) * crawlPageFixedBytes
	}

	return types.Estimate{
		ResourceCount:    count,
		EstimatedSeconds: seconds,
		EstimatedBytes:   bytes,
	}, nil
}
