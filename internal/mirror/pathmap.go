package mirror

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"path"
	"strings"

	"github.com/incogthemself/site-snapshot/pkg/types"
)

// LocalPath resolves a possibly-relative resource reference against the job's
// base URL and derives a filesystem-safe relative path from the host-relative
// path component. It is pure and idempotent: the same inputs always produce
// the same path, which is what makes URL deduplication sound.
//
// Malformed references fail soft to "index.html" rather than aborting the
// run; callers tolerate the collisions this produces and log instead of halting.
func LocalPath(ref string, base *url.URL) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return "index.html"
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "index.html"
	}
	return localPathForURL(u)
}

func localPathForURL(u *url.URL) string {
	if u == nil {
		return "index.html"
	}
	p := u.EscapedPath()
	if p == "" || p == "/" {
		return "index.html"
	}
	p = strings.TrimPrefix(p, "/")
	// A path with no file extension is treated as a directory.
	if path.Ext(p) == "" {
		p = path.Join(p, "index.html")
	}
	return path.Clean(p)
}

var kindFolders = map[types.Kind]string{
	types.KindStylesheet: "css",
	types.KindScript:     "js",
	types.KindImage:      "images",
	types.KindFont:       "fonts",
	types.KindIcon:       "icons",
	types.KindOther:      "assets",
}

// AssetPath places a non-document resource under its kind folder, keyed by the
// file name of its URL path. Documents fall back to LocalPath mapping.
func AssetPath(u *url.URL, kind types.Kind) string {
	if kind == types.KindDocument {
		return localPathForURL(u)
	}
	folder, ok := kindFolders[kind]
	if !ok {
		folder = "assets"
	}
	return path.Join(folder, fileNameFor(u))
}

// disambiguatePath makes a colliding local path unique by tagging the file
// name with a short hash of the source URL, so distinct URLs sharing a
// basename never overwrite each other.
func disambiguatePath(local, rawURL string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rawURL))
	ext := path.Ext(local)
	return fmt.Sprintf("%s-%08x%s", strings.TrimSuffix(local, ext), h.Sum32(), ext)
}

func fileNameFor(u *url.URL) string {
	if u == nil {
		return "resource"
	}
	base := path.Base(u.EscapedPath())
	if base == "" || base == "." || base == "/" {
		base = "resource"
	}
	return sanitizeFileName(base)
}

func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "resource"
	}
	return b.String()
}

var (
	imageExts = map[string]struct{}{
		".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
		".svg": {}, ".avif": {}, ".bmp": {},
	}
	fontExts = map[string]struct{}{
		".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	}
)

// Classify maps a resource URL to its kind by file extension.
func Classify(u *url.URL) types.Kind {
	if u == nil {
		return types.KindOther
	}
	ext := strings.ToLower(path.Ext(u.EscapedPath()))
	switch {
	case ext == ".css":
		return types.KindStylesheet
	case ext == ".js" || ext == ".mjs":
		return types.KindScript
	case ext == ".ico":
		return types.KindIcon
	case ext == ".html" || ext == ".htm" || ext == "":
		return types.KindDocument
	}
	if _, ok := imageExts[ext]; ok {
		return types.KindImage
	}
	if _, ok := fontExts[ext]; ok {
		return types.KindFont
	}
	return types.KindOther
}

// dirDepth reports how many directories deep a relative local path sits.
func dirDepth(local string) int {
	dir := path.Dir(path.Clean(local))
	if dir == "." || dir == "/" {
		return 0
	}
	return strings.Count(dir, "/") + 1
}

// relativeRef computes the reference string that reaches targetLocal from the
// directory containing fromLocal. A stylesheet nested two directories deep
// gets two "../" segments before the target's path.
func relativeRef(fromLocal, targetLocal string) string {
	return strings.Repeat("../", dirDepth(fromLocal)) + targetLocal
}
