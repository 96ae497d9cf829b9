package mirror

import (
	"net/url"
	"strings"
	"testing"

	"github.com/incogthemself/site-snapshot/pkg/types"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestLocalPath(t *testing.T) {
	base := mustParse(t, "https://example.com/news/today")

	cases := []struct {
		name string
		ref  string
		want string
	}{
		{"site root", "https://example.com/", "index.html"},
		{"root without slash", "https://example.com", "index.html"},
		{"extensionless path becomes directory", "https://example.com/about", "about/index.html"},
		{"nested extensionless path", "https://example.com/a/b/c", "a/b/c/index.html"},
		{"explicit html file", "https://example.com/page.html", "page.html"},
		{"relative reference resolves against base", "latest.html", "news/latest.html"},
		{"empty reference falls back", "", "index.html"},
		{"query is ignored", "https://example.com/list?page=2", "list/index.html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := LocalPath(tc.ref, base); got != tc.want {
				t.Fatalf("LocalPath(%q) = %q, want %q", tc.ref, got, tc.want)
			}
		})
	}
}

func TestLocalPathIsIdempotent(t *testing.T) {
	base := mustParse(t, "https://example.com/")
	refs := []string{"https://example.com/about", "style.css", "a/b", ""}
	for _, ref := range refs {
		first := LocalPath(ref, base)
		for i := 0; i < 3; i++ {
			if got := LocalPath(ref, base); got != first {
				t.Fatalf("LocalPath(%q) changed between calls: %q then %q", ref, first, got)
			}
		}
	}
}

func TestAssetPathPlacesResourcesByKind(t *testing.T) {
	cases := []struct {
		raw  string
		kind types.Kind
		want string
	}{
		{"https://cdn.example.com/lib/app.min.js", types.KindScript, "js/app.min.js"},
		{"https://example.com/styles/site.css", types.KindStylesheet, "css/site.css"},
		{"https://example.com/img/logo.png", types.KindImage, "images/logo.png"},
		{"https://example.com/f/inter.woff2", types.KindFont, "fonts/inter.woff2"},
		{"https://example.com/favicon.ico", types.KindIcon, "icons/favicon.ico"},
		{"https://example.com/downloads/file.bin", types.KindOther, "assets/file.bin"},
	}
	for _, tc := range cases {
		u := mustParse(t, tc.raw)
		if got := AssetPath(u, tc.kind); got != tc.want {
			t.Fatalf("AssetPath(%s, %s) = %q, want %q", tc.raw, tc.kind, got, tc.want)
		}
	}
}

func TestAssetPathSanitizesFileNames(t *testing.T) {
	u := mustParse(t, "https://example.com/img/lo%20go@2x.png")
	got := AssetPath(u, types.KindImage)
	for _, r := range got {
		valid := r == '/' || r == '.' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !valid {
			t.Fatalf("AssetPath produced unsafe character %q in %q", r, got)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		raw  string
		want types.Kind
	}{
		{"https://example.com/site.css", types.KindStylesheet},
		{"https://example.com/app.js", types.KindScript},
		{"https://example.com/mod.mjs", types.KindScript},
		{"https://example.com/favicon.ico", types.KindIcon},
		{"https://example.com/photo.jpeg", types.KindImage},
		{"https://example.com/font.woff2", types.KindFont},
		{"https://example.com/about", types.KindDocument},
		{"https://example.com/page.html", types.KindDocument},
		{"https://example.com/archive.zip", types.KindOther},
	}
	for _, tc := range cases {
		if got := Classify(mustParse(t, tc.raw)); got != tc.want {
			t.Fatalf("Classify(%s) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestRelativeRef(t *testing.T) {
	cases := []struct {
		from   string
		target string
		want   string
	}{
		{"index.html", "css/site.css", "css/site.css"},
		{"css/site.css", "fonts/inter.woff2", "../fonts/inter.woff2"},
		{"css/site.css", "css/extra.css", "../css/extra.css"},
		{"about/index.html", "images/logo.png", "../images/logo.png"},
		{"a/b/c/index.html", "js/app.js", "../../../js/app.js"},
	}
	for _, tc := range cases {
		if got := relativeRef(tc.from, tc.target); got != tc.want {
			t.Fatalf("relativeRef(%q, %q) = %q, want %q", tc.from, tc.target, got, tc.want)
		}
	}
}

func TestDirDepth(t *testing.T) {
	cases := []struct {
		local string
		want  int
	}{
		{"index.html", 0},
		{"css/site.css", 1},
		{"a/b/index.html", 2},
	}
	for _, tc := range cases {
		if got := dirDepth(tc.local); got != tc.want {
			t.Fatalf("dirDepth(%q) = %d, want %d", tc.local, got, tc.want)
		}
	}
}

func TestDisambiguatePath(t *testing.T) {
	first := disambiguatePath("images/logo.png", "https://example.com/b/logo.png")
	if first == "images/logo.png" {
		t.Fatal("disambiguatePath returned the colliding path unchanged")
	}
	if !strings.HasPrefix(first, "images/logo-") || !strings.HasSuffix(first, ".png") {
		t.Fatalf("disambiguated path %q lost its folder or extension", first)
	}
	if again := disambiguatePath("images/logo.png", "https://example.com/b/logo.png"); again != first {
		t.Fatalf("not deterministic: %q then %q", first, again)
	}
	if other := disambiguatePath("images/logo.png", "https://example.com/c/logo.png"); other == first {
		t.Fatalf("different URLs produced the same path %q", other)
	}
}
