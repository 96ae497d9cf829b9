package mirror

import (
	"context"
	"strings"
	"testing"

	"github.com/incogthemself/site-snapshot/pkg/types"
)

func TestResolveStylesheetBreaksImportCycles(t *testing.T) {
	cs := newCountingServer(t, map[string]string{
		"/css/a.css": `@import "b.css"; .a{}`,
		"/css/b.css": `@import "a.css"; .b{}`,
	})
	runner := newTestRunner(t)
	st := newRunState(0)
	spec := &RunSpec{JobID: "test", OutputDir: t.TempDir()}

	sheetURL := mustParse(t, cs.server.URL+"/css/a.css")
	rewritten, err := runner.resolveStylesheet(context.Background(), spec, st, sheetURL, `@import "b.css"; .a{}`)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(rewritten, `@import "../css/b.css";`) {
		t.Fatalf("import not rewritten:\n%s", rewritten)
	}
	if got := cs.count("/css/b.css"); got != 1 {
		t.Fatalf("b.css fetched %d times, want 1", got)
	}
	// The cycle back to a.css terminates without a second fetch of either sheet.
	if got := cs.count("/css/a.css"); got != 0 {
		t.Fatalf("a.css refetched %d times; its text was already in hand", got)
	}

	// Resolving the same sheet again is a no-op.
	again, err := runner.resolveStylesheet(context.Background(), spec, st, sheetURL, `@import "b.css"; .a{}`)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again != "" {
		t.Fatalf("second resolve should return empty, got:\n%s", again)
	}
}

func TestResolveStylesheetFetchesNestedAssets(t *testing.T) {
	cs := newCountingServer(t, map[string]string{
		"/fonts/inter.woff2": "WOFF",
		"/img/bg.png":        "PNG",
	})
	runner := newTestRunner(t)
	st := newRunState(0)
	spec := &RunSpec{JobID: "test", OutputDir: t.TempDir()}

	sheetURL := mustParse(t, cs.server.URL+"/css/site.css")
	css := `.a { background: url("/img/bg.png"); }
@font-face { src: url("/fonts/inter.woff2"); }
.b { background: url("/img/bg.png"); }`

	rewritten, err := runner.resolveStylesheet(context.Background(), spec, st, sheetURL, css)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(rewritten, `url("../images/bg.png")`) {
		t.Fatalf("image url not rewritten:\n%s", rewritten)
	}
	if !strings.Contains(rewritten, `url("../fonts/inter.woff2")`) {
		t.Fatalf("font url not rewritten:\n%s", rewritten)
	}
	if got := cs.count("/img/bg.png"); got != 1 {
		t.Fatalf("bg.png fetched %d times, want 1", got)
	}
	if got := cs.count("/fonts/inter.woff2"); got != 1 {
		t.Fatalf("inter.woff2 fetched %d times, want 1", got)
	}
}

func TestRewriteImportsLeavesUnmappedStatements(t *testing.T) {
	css := `@import "known.css"; @import "unknown.css"; body{}`
	got := rewriteImports(css, map[string]string{"known.css": "../css/known.css"})
	if !strings.Contains(got, `@import "../css/known.css";`) {
		t.Fatalf("mapped import not rewritten: %s", got)
	}
	if !strings.Contains(got, `@import "unknown.css";`) {
		t.Fatalf("unmapped import was altered: %s", got)
	}
}

func TestRunStateAtMostOnce(t *testing.T) {
	st := newRunState(0)
	u := mustParse(t, "https://example.com/css/site.css")

	first := st.pathFor(u, types.KindStylesheet)
	second := st.pathFor(u, types.KindStylesheet)
	if first != second {
		t.Fatalf("pathFor not stable: %q then %q", first, second)
	}

	if !st.markCSSVisited(u) {
		t.Fatal("first markCSSVisited should return true")
	}
	if st.markCSSVisited(u) {
		t.Fatal("second markCSSVisited should return false")
	}

	if st.isPersisted(u) {
		t.Fatal("not yet persisted")
	}
	st.markPersisted(u, 10)
	if !st.isPersisted(u) {
		t.Fatal("persisted flag lost")
	}

	_, fetched, _, bytes, _ := st.counts()
	if fetched != 1 || bytes != 10 {
		t.Fatalf("counts = fetched %d bytes %d, want 1/10", fetched, bytes)
	}
}

func TestRunStateFailureCap(t *testing.T) {
	st := newRunState(3)
	for i := 0; i < 10; i++ {
		st.noteFailure("https://example.com/x", context.DeadlineExceeded)
	}
	_, _, failed, _, failures := st.counts()
	if failed != 10 {
		t.Fatalf("failed = %d, want 10", failed)
	}
	if len(failures) != 3 {
		t.Fatalf("failure notes = %d, want cap of 3", len(failures))
	}
}

func TestRunStateAbsorb(t *testing.T) {
	parent := newRunState(0)
	parent.noteDiscovered(2)
	parent.markPersisted(mustParse(t, "https://example.com/a.png"), 5)

	child := newRunState(0)
	child.noteDiscovered(3)
	child.markPersisted(mustParse(t, "https://example.com/b.png"), 7)
	child.noteFailure("https://example.com/c.png", context.DeadlineExceeded)

	parent.absorb(child)
	discovered, fetched, failed, bytes, _ := parent.counts()
	if discovered != 5 || fetched != 2 || failed != 1 || bytes != 12 {
		t.Fatalf("absorbed counts = %d/%d/%d/%d, want 5/2/1/12", discovered, fetched, failed, bytes)
	}
}

func TestResolveStylesheetParentRelativeRefs(t *testing.T) {
	cs := newCountingServer(t, map[string]string{
		"/fonts/inter.woff2": "WOFF",
	})
	runner := newTestRunner(t)
	st := newRunState(0)
	spec := &RunSpec{JobID: "test", OutputDir: t.TempDir()}

	sheetURL := mustParse(t, cs.server.URL+"/css/site.css")
	css := `@font-face { src: url(../fonts/inter.woff2); }`

	rewritten, err := runner.resolveStylesheet(context.Background(), spec, st, sheetURL, css)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(rewritten, `url("../fonts/inter.woff2")`) {
		t.Fatalf("parent-relative font url not rewritten:\n%s", rewritten)
	}
	if got := cs.count("/fonts/inter.woff2"); got != 1 {
		t.Fatalf("font fetched %d times, want 1", got)
	}
	_, _, failed, _, _ := st.counts()
	if failed != 0 {
		t.Fatalf("failed = %d, want 0", failed)
	}
}

func TestFailedImportKeepsOriginRef(t *testing.T) {
	cs := newCountingServer(t, map[string]string{})
	runner := newTestRunner(t)
	st := newRunState(0)
	spec := &RunSpec{JobID: "test", OutputDir: t.TempDir()}

	sheetURL := mustParse(t, cs.server.URL+"/css/site.css")
	rewritten, err := runner.resolveStylesheet(context.Background(), spec, st, sheetURL, `@import "missing.css"; body{}`)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(rewritten, `@import "missing.css";`) {
		t.Fatalf("failed import lost its origin ref:\n%s", rewritten)
	}
	if strings.Contains(rewritten, `../css/missing.css`) {
		t.Fatalf("failed import rewritten to a dead local path:\n%s", rewritten)
	}
	_, _, failed, _, _ := st.counts()
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

func TestRunStatePathForSeparatesSharedBasenames(t *testing.T) {
	st := newRunState(0)
	a := mustParse(t, "https://example.com/a/logo.png")
	b := mustParse(t, "https://example.com/b/logo.png")

	pa := st.pathFor(a, types.KindImage)
	pb := st.pathFor(b, types.KindImage)
	if pa == pb {
		t.Fatalf("distinct URLs mapped to the same path %q", pa)
	}
	if got := st.pathFor(b, types.KindImage); got != pb {
		t.Fatalf("pathFor not stable for b: %q then %q", pb, got)
	}
	if !strings.HasPrefix(pb, "images/logo-") || !strings.HasSuffix(pb, ".png") {
		t.Fatalf("disambiguated path %q lost its folder or extension", pb)
	}
}
