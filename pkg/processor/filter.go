package processor

import (
	"fmt"
	"regexp"
	"strings"

	"mindgrab/models"
)

// ContentFilter selects the subset of library pages to archive. An empty
// filter selects every page.
type ContentFilter struct {
	titleInclude *regexp.Regexp
	titleExclude *regexp.Regexp
	idInclude    map[string]bool
	rootPageID   string
}

// NewContentFilter compiles the filter settings. idIncludeCSV is a
// comma-separated list of page IDs.
func NewContentFilter(titleInclude, titleExclude, idIncludeCSV, rootPageID string) (*ContentFilter, error) {
	f := &ContentFilter{rootPageID: rootPageID}

	if titleInclude != "" {
		re, err := regexp.Compile("(?i)" + titleInclude)
		if err != nil {
			return nil, fmt.Errorf("invalid page title include filter: %w", err)
		}
		f.titleInclude = re
	}
	if titleExclude != "" {
		re, err := regexp.Compile("(?i)" + titleExclude)
		if err != nil {
			return nil, fmt.Errorf("invalid page title exclude filter: %w", err)
		}
		f.titleExclude = re
	}
	if idIncludeCSV != "" {
		f.idInclude = map[string]bool{}
		for _, id := range strings.Split(idIncludeCSV, ",") {
			if id = strings.TrimSpace(id); id != "" {
				f.idInclude[id] = true
			}
		}
	}
	return f, nil
}

func (f *ContentFilter) hasIncludes() bool {
	return f.titleInclude != nil || len(f.idInclude) > 0
}

func (f *ContentFilter) includes(page *models.LibraryPage) bool {
	if !f.hasIncludes() {
		return true
	}
	if f.titleInclude != nil && f.titleInclude.MatchString(page.Title) {
		return true
	}
	return f.idInclude[page.ID]
}

// Apply reduces the tree to the root page sub-tree when one is configured,
// selects pages by title or ID, removes excluded titles, then closes the
// selection over ancestors so every kept page stays reachable from the root.
// Pages come back in depth-first pre-order, root first.
func (f *ContentFilter) Apply(tree *models.LibraryTree) ([]*models.LibraryPage, error) {
	if f.rootPageID != "" {
		subTree, err := tree.SubTree(f.rootPageID)
		if err != nil {
			return nil, err
		}
		tree = subTree
	}

	selected := map[string]bool{}
	for id, page := range tree.Pages {
		if !f.includes(page) {
			continue
		}
		if f.titleExclude != nil && f.titleExclude.MatchString(page.Title) {
			continue
		}
		selected[id] = true
	}

	// Ancestors come back in so the tree stays connected. The walk stops at
	// the sub-tree boundary: pages share parent pointers with the full
	// library tree, so SelfAndParents can climb above the configured root.
	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	for _, id := range ids {
		for _, parent := range tree.Pages[id].SelfAndParents() {
			if _, ok := tree.Pages[parent.ID]; !ok {
				break
			}
			selected[parent.ID] = true
		}
	}

	var pages []*models.LibraryPage
	var walk func(page *models.LibraryPage)
	walk = func(page *models.LibraryPage) {
		if selected[page.ID] {
			pages = append(pages, page)
		}
		for _, child := range page.Children {
			walk(child)
		}
	}
	walk(tree.Root)
	return pages, nil
}
