// Package rewriter rewrites URLs found in HTML and CSS to archive-relative
// paths and accumulates the set of assets that must be downloaded.
package rewriter

import (
	"net/url"
	"strings"
	"sync"
)

// AssetPath is a normalized archive-relative path. It is the deduplication
// key for assets and the archive's own path namespace.
type AssetPath string

// Normalize maps an absolute URL to its archive path: host and decoded path,
// query kept, fragment dropped. Two URLs normalizing to the same path are
// the same archive entry.
func Normalize(u *url.URL) AssetPath {
	path := u.Path
	if path == "" || strings.HasSuffix(path, "/") {
		path += "index.html"
	}
	normalized := strings.ToLower(u.Host) + path
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	return AssetPath(normalized)
}

// Entry is one asset to download: its archive path, every candidate source
// URL in discovery order, and the labels of the documents referencing it.
type Entry struct {
	Path   AssetPath
	URLs   []string
	UsedBy []string
}

// AssetMap accumulates assets to download across every page and CSS rewrite
// of a run. The first URL seen for a path fixes the archive identity; later
// URLs for the same path are appended as fallback candidates, never
// replacing the entry. Safe for concurrent use.
type AssetMap struct {
	mu     sync.Mutex
	order  []AssetPath
	urls   map[AssetPath][]string
	usedBy map[AssetPath][]string
}

func NewAssetMap() *AssetMap {
	return &AssetMap{
		urls:   make(map[AssetPath][]string),
		usedBy: make(map[AssetPath][]string),
	}
}

// Add records sourceURL as a candidate for path. usedBy labels the document
// the reference was found in and is kept for diagnostics.
func (m *AssetMap) Add(path AssetPath, sourceURL, usedBy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addUsedBy(path, usedBy)

	existing, ok := m.urls[path]
	if !ok {
		m.order = append(m.order, path)
		m.urls[path] = []string{sourceURL}
		return
	}
	for _, known := range existing {
		if known == sourceURL {
			return
		}
	}
	m.urls[path] = append(existing, sourceURL)
}

func (m *AssetMap) addUsedBy(path AssetPath, usedBy string) {
	if usedBy == "" {
		return
	}
	for _, known := range m.usedBy[path] {
		if known == usedBy {
			return
		}
	}
	m.usedBy[path] = append(m.usedBy[path], usedBy)
}

// Len returns the number of distinct asset paths recorded.
func (m *AssetMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Snapshot returns the accumulated entries in first-discovery order.
func (m *AssetMap) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]Entry, 0, len(m.order))
	for _, path := range m.order {
		urls := make([]string, len(m.urls[path]))
		copy(urls, m.urls[path])
		usedBy := make([]string, len(m.usedBy[path]))
		copy(usedBy, m.usedBy[path])
		entries = append(entries, Entry{Path: path, URLs: urls, UsedBy: usedBy})
	}
	return entries
}
