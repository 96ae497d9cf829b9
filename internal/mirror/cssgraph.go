package mirror

import (
	"context"
	"net/url"
	"strings"

	"github.com/incogthemself/site-snapshot/pkg/types"
)

// resolveStylesheet turns one stylesheet's raw text into its final, locally
// rewritten text, transitively resolving every @import and url() it contains.
// Each distinct stylesheet URL is fetched and persisted at most once for the
// whole run; the visited set breaks import cycles. An empty result means the
// sheet was already handled and must not be written again.
func (r *Runner) resolveStylesheet(ctx context.Context, spec *RunSpec, st *runState, sheetURL *url.URL, css string) (string, error) {
	if !st.markCSSVisited(sheetURL) {
		return "", nil
	}
	return r.resolveStylesheetBody(ctx, spec, st, sheetURL, css)
}

// resolveStylesheetBody assumes the sheet is already marked visited.
func (r *Runner) resolveStylesheetBody(ctx context.Context, spec *RunSpec, st *runState, sheetURL *url.URL, css string) (string, error) {
	local := st.pathFor(sheetURL, types.KindStylesheet)

	imports := extractImports(css)
	importRefs := make(map[string]string, len(imports))
	for _, imp := range imports {
		if err := spec.checkpoint(ctx); err != nil {
			return "", err
		}
		child, err := sheetURL.Parse(imp.Ref)
		if err != nil {
			st.noteFailure(imp.Ref, err)
			continue
		}
		childLocal := st.pathFor(child, types.KindStylesheet)

		// markCSSVisited returning true makes this call responsible for
		// fetching and persisting the imported sheet; cyclic imports and
		// repeat references fall through to the rewrite below.
		if st.markCSSVisited(child) {
			page, err := r.fetchBytes(ctx, child)
			if err != nil {
				st.markFailed(child)
				st.noteFailure(child.String(), err)
			} else {
				rewritten, rerr := r.resolveStylesheetBody(ctx, spec, st, child, string(page.Body))
				if rerr != nil {
					return "", rerr
				}
				if rewritten != "" {
					r.persistStylesheet(ctx, spec, st, child, childLocal, rewritten)
				}
			}
		}
		// A failed sheet keeps its origin @import so the mirrored copy
		// degrades to the remote file instead of a dead local path.
		if !st.hasFailed(child) {
			importRefs[imp.Ref] = relativeRef(local, childLocal)
		}
	}
	css = rewriteImports(css, importRefs)

	urlRefs := make(map[string]string)
	for _, ref := range extractCSSURLs(css) {
		if err := spec.checkpoint(ctx); err != nil {
			return "", err
		}
		target, err := sheetURL.Parse(ref)
		if err != nil {
			st.noteFailure(ref, err)
			continue
		}
		assetLocal, err := r.fetchResource(ctx, spec, st, target, cssAssetKind(target))
		if err != nil {
			continue
		}
		urlRefs[ref] = relativeRef(local, assetLocal)
	}
	css = rewriteCSSURLs(css, urlRefs)

	return css, nil
}

// cssAssetKind buckets url() targets into the font/image/other sub-folders.
func cssAssetKind(u *url.URL) types.Kind {
	switch Classify(u) {
	case types.KindFont:
		return types.KindFont
	case types.KindImage:
		return types.KindImage
	default:
		return types.KindOther
	}
}

// rewriteImports replaces @import statements whose target has a local mapping.
// Statements without a mapping (malformed or failed refs) are left untouched.
func rewriteImports(css string, refs map[string]string) string {
	if len(refs) == 0 {
		return css
	}
	return cssImportRe.ReplaceAllStringFunc(css, func(stmt string) string {
		match := cssImportRe.FindStringSubmatch(stmt)
		if match == nil {
			return stmt
		}
		local, ok := refs[strings.TrimSpace(match[1])]
		if !ok {
			return stmt
		}
		return `@import "` + local + `";`
	})
}

// rewriteCSSURLs replaces url() targets that have a local mapping.
func rewriteCSSURLs(css string, refs map[string]string) string {
	if len(refs) == 0 {
		return css
	}
	return cssURLRe.ReplaceAllStringFunc(css, func(call string) string {
		match := cssURLRe.FindStringSubmatch(call)
		if match == nil {
			return call
		}
		local, ok := refs[strings.TrimSpace(match[1])]
		if !ok {
			return call
		}
		return `url("` + local + `")`
	})
}

func (r *Runner) persistStylesheet(ctx context.Context, spec *RunSpec, st *runState, u *url.URL, local, content string) {
	if err := writeFile(spec.OutputDir, local, []byte(content)); err != nil {
		st.noteFailure(u.String(), err)
		return
	}
	st.markPersisted(u, int64(len(content)))
	r.recordResource(ctx, spec, types.Resource{
		JobID:     spec.JobID,
		Path:      local,
		SourceURL: u.String(),
		Kind:      types.KindStylesheet,
		Size:      int64(len(content)),
	})
}
