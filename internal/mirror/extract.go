package mirror

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/incogthemself/site-snapshot/pkg/types"
)

// Selectors per resource category. Inline background images are handled
// separately because they live in style attributes, not element sources.
var categorySelectors = map[types.Kind]struct {
	selector string
	attr     string
}{
	types.KindStylesheet: {selector: "link[rel='stylesheet']", attr: "href"},
	types.KindScript:     {selector: "script[src]", attr: "src"},
	types.KindImage:      {selector: "img[src]", attr: "src"},
	types.KindIcon:       {selector: "link[rel='icon'], link[rel='shortcut icon'], link[rel='apple-touch-icon']", attr: "href"},
	types.KindFont:       {selector: "link[rel='preload'][as='font']", attr: "href"},
}

var (
	cssImportRe = regexp.MustCompile(`@import\s+(?:url\(\s*)?['"]?([^'")\s;]+)['"]?\s*\)?[^;]*;`)
	cssURLRe    = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)`)
)

// ExtractRefs returns the de-duplicated reference strings for one resource
// category. Ordering follows first appearance; data: URIs are skipped.
func ExtractRefs(doc *goquery.Document, kind types.Kind) []string {
	spec, ok := categorySelectors[kind]
	if !ok || doc == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var refs []string
	doc.Find(spec.selector).Each(func(_ int, s *goquery.Selection) {
		ref, ok := s.Attr(spec.attr)
		if !ok {
			return
		}
		ref = strings.TrimSpace(ref)
		if !usableRef(ref) {
			return
		}
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	})
	return refs
}

// ExtractInlineBackgroundRefs collects url(...) targets from inline style
// attributes that declare a background.
func ExtractInlineBackgroundRefs(doc *goquery.Document) []string {
	if doc == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var refs []string
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, ok := s.Attr("style")
		if !ok || !strings.Contains(style, "background") {
			return
		}
		for _, match := range cssURLRe.FindAllStringSubmatch(style, -1) {
			ref := strings.TrimSpace(match[1])
			if !usableRef(ref) {
				continue
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	})
	return refs
}

// cssImport is one @import statement found in stylesheet text.
type cssImport struct {
	Statement string // the full statement, for rewriting
	Ref       string // the imported URL
}

// extractImports parses @import statements from raw CSS text.
func extractImports(css string) []cssImport {
	var imports []cssImport
	for _, match := range cssImportRe.FindAllStringSubmatch(css, -1) {
		ref := strings.TrimSpace(match[1])
		if !usableRef(ref) {
			continue
		}
		imports = append(imports, cssImport{Statement: match[0], Ref: ref})
	}
	return imports
}

// extractCSSURLs parses url(...) targets from raw CSS text, skipping data:
// URIs. Parent-relative references resolve against the sheet's own URL.
func extractCSSURLs(css string) []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, match := range cssURLRe.FindAllStringSubmatch(css, -1) {
		ref := strings.TrimSpace(match[1])
		if !usableRef(ref) {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	return refs
}

// usableRef filters out references that should never be fetched.
func usableRef(ref string) bool {
	if ref == "" {
		return false
	}
	lower := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(lower, "data:"),
		strings.HasPrefix(lower, "javascript:"),
		strings.HasPrefix(lower, "about:"),
		strings.HasPrefix(ref, "#"):
		return false
	}
	return true
}

// ExtractSameDomainLinks returns up to max same-domain page links from the
// document, de-duplicated and stripped of fragments.
func ExtractSameDomainLinks(doc *goquery.Document, base *url.URL, max int) []*url.URL {
	if doc == nil || base == nil || max <= 0 {
		return nil
	}
	seen := make(map[string]struct{})
	links := make([]*url.URL, 0, max)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "#") {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return true
		}
		if !strings.EqualFold(u.Hostname(), base.Hostname()) {
			return true
		}
		if u.String() == base.String() {
			return true
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, u)
		return len(links) < max
	})
	return links
}
