package rewriter

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrUnsupportedTag aborts the run when markup the rewriter cannot faithfully
// convert is encountered. Refusing beats producing a known-broken page.
var ErrUnsupportedTag = errors.New("unsupported tag in page markup")

// unsupportedTags is the closed set of tags the scraper refuses to process.
var unsupportedTags = map[string]bool{
	"picture": true,
}

// HTMLRewriter rewrites one page's markup: anchors become in-archive hash
// routes when they target a page of the archive, image references become
// archive content paths and are scheduled for download.
type HTMLRewriter struct {
	pageURL       *url.URL
	pageLabel     string
	libraryPrefix AssetPath
	existing      map[AssetPath]bool
	assets        *AssetMap
}

// NewHTMLRewriter creates a rewriter for the page at pageURL. existing is
// the set of normalized paths of every page that will be in the archive;
// assets receives each image reference discovered while rewriting.
func NewHTMLRewriter(libraryURL, pagePath string, existing map[AssetPath]bool, assets *AssetMap) (*HTMLRewriter, error) {
	pageURL, err := url.Parse(libraryURL + "/" + pagePath)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL for %s: %w", pagePath, err)
	}
	libraryRoot, err := url.Parse(libraryURL + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid library URL: %w", err)
	}
	// the raw host+path prefix, not Normalize, which would map the root
	// to its index.html entry
	return &HTMLRewriter{
		pageURL:       pageURL,
		pageLabel:     pageURL.String(),
		libraryPrefix: AssetPath(strings.ToLower(libraryRoot.Host) + libraryRoot.Path),
		existing:      existing,
		assets:        assets,
	}, nil
}

// Rewrite processes an HTML fragment and returns the rewritten markup.
func (r *HTMLRewriter) Rewrite(htmlBody string) (string, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(htmlBody), context)
	if err != nil {
		return "", fmt.Errorf("failed to parse page HTML: %w", err)
	}

	var out strings.Builder
	for _, node := range nodes {
		if err := r.rewriteNode(node); err != nil {
			return "", err
		}
		if err := html.Render(&out, node); err != nil {
			return "", fmt.Errorf("failed to render rewritten HTML: %w", err)
		}
	}
	return out.String(), nil
}

func (r *HTMLRewriter) rewriteNode(node *html.Node) error {
	if node.Type == html.ElementNode {
		if unsupportedTags[node.Data] {
			return fmt.Errorf("%w: <%s>", ErrUnsupportedTag, node.Data)
		}
		switch node.Data {
		case "a":
			r.rewriteAnchor(node)
		case "img":
			r.rewriteImage(node)
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if err := r.rewriteNode(child); err != nil {
			return err
		}
	}
	return nil
}

// resolve turns a reference into an absolute http(s) URL, or nil when the
// reference is not resolvable or uses another scheme (mailto, data, ...).
func (r *HTMLRewriter) resolve(ref string) *url.URL {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil
	}
	abs := r.pageURL.ResolveReference(parsed)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil
	}
	return abs
}

// rewriteAnchor points href either to the in-archive hash route of a known
// page or to the absolute external URL.
func (r *HTMLRewriter) rewriteAnchor(node *html.Node) {
	for i, attr := range node.Attr {
		if attr.Key != "href" || attr.Val == "" {
			continue
		}
		abs := r.resolve(attr.Val)
		if abs == nil {
			continue
		}
		normalized := Normalize(abs)
		if r.existing[normalized] {
			route := strings.TrimPrefix(string(normalized), string(r.libraryPrefix))
			node.Attr[i].Val = "#/" + route
		} else {
			node.Attr[i].Val = abs.String()
		}
	}
}

// rewriteImage points src at the archive content path, schedules the asset
// for download and drops responsive variants the archive cannot serve.
func (r *HTMLRewriter) rewriteImage(node *html.Node) {
	kept := node.Attr[:0]
	for _, attr := range node.Attr {
		switch attr.Key {
		case "srcset", "sizes":
			continue
		case "src":
			if abs := r.resolve(attr.Val); abs != nil {
				abs.Fragment = ""
				normalized := Normalize(abs)
				r.assets.Add(normalized, abs.String(), r.pageLabel)
				attr.Val = "content/" + string(normalized)
			}
		}
		kept = append(kept, attr)
	}
	node.Attr = kept
}
