package rewriter

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// cssURLRe captures url('...'), url("...") and url(...) references.
var cssURLRe = regexp.MustCompile(`url\(\s*['"]?\s*([^'")]+?)\s*['"]?\s*\)`)

// CSSRewriter rewrites url(...) references of one stylesheet to paths
// relative to the stylesheet's own archive location. Unlike HTML, CSS has no
// navigational links: every reference is scheduled for download.
type CSSRewriter struct {
	baseURL *url.URL
	fromDir string
	label   string
	assets  *AssetMap
}

// NewCSSRewriter creates a rewriter for a stylesheet fetched from cssURL and
// stored at cssPath inside the archive.
func NewCSSRewriter(cssURL string, cssPath AssetPath, assets *AssetMap) (*CSSRewriter, error) {
	base, err := url.Parse(cssURL)
	if err != nil {
		return nil, fmt.Errorf("invalid CSS URL %s: %w", cssURL, err)
	}
	return &CSSRewriter{
		baseURL: base,
		fromDir: path.Dir(string(cssPath)),
		label:   string(cssPath),
		assets:  assets,
	}, nil
}

// Rewrite processes the stylesheet content and returns the rewritten CSS.
func (r *CSSRewriter) Rewrite(css []byte) []byte {
	return cssURLRe.ReplaceAllFunc(css, func(match []byte) []byte {
		ref := string(cssURLRe.FindSubmatch(match)[1])
		rewritten, ok := r.rewriteRef(ref)
		if !ok {
			return match
		}
		return []byte("url('" + rewritten + "')")
	})
}

func (r *CSSRewriter) rewriteRef(ref string) (string, bool) {
	if strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "#") {
		return "", false
	}
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	abs := r.baseURL.ResolveReference(parsed)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	normalized := Normalize(abs)
	r.assets.Add(normalized, abs.String(), r.label)
	return relativeTo(r.fromDir, string(normalized)), true
}

// relativeTo computes the path to target relative to the directory fromDir,
// both archive-rooted.
func relativeTo(fromDir, target string) string {
	if fromDir == "." || fromDir == "" {
		return target
	}
	prefix := fromDir + "/"
	if strings.HasPrefix(target, prefix) {
		return target[len(prefix):]
	}
	ups := strings.Count(fromDir, "/") + 1
	return strings.Repeat("../", ups) + target
}
