// Package models defines the data structures shared across the scraper:
// the library page tree, run configuration and the JSON documents consumed
// by the viewer UI.
package models

// LibraryPage is a single page in the library tree.
type LibraryPage struct {
	ID       string
	Title    string
	Path     string
	Parent   *LibraryPage
	Children []*LibraryPage
}

// SelfAndParents returns the page followed by its ancestors up to the root.
func (p *LibraryPage) SelfAndParents() []*LibraryPage {
	result := []*LibraryPage{p}
	for current := p.Parent; current != nil; current = current.Parent {
		result = append(result, current)
	}
	return result
}

// LibraryTree holds the whole tree of library pages. Pages acts as an arena
// indexed by page id and contains every node, root included.
type LibraryTree struct {
	Root  *LibraryPage
	Pages map[string]*LibraryPage
}

// NewLibraryTree creates a tree with the given root page registered.
func NewLibraryTree(root *LibraryPage) *LibraryTree {
	return &LibraryTree{
		Root:  root,
		Pages: map[string]*LibraryPage{root.ID: root},
	}
}

// AddPage registers a page as child of parent and records it in the arena.
func (t *LibraryTree) AddPage(page *LibraryPage, parent *LibraryPage) {
	page.Parent = parent
	parent.Children = append(parent.Children, page)
	t.Pages[page.ID] = page
}

// SubTree returns the induced sub-tree rooted at the given page id. Page
// objects are shared with the parent tree, not copied. The visited check
// guards against malformed upstream data containing repeated ids or cycles.
func (t *LibraryTree) SubTree(subrootID string) (*LibraryTree, error) {
	newRoot, ok := t.Pages[subrootID]
	if !ok {
		return nil, &MissingPageError{ID: subrootID}
	}
	sub := NewLibraryTree(newRoot)
	toExplore := append([]*LibraryPage{}, newRoot.Children...)
	for len(toExplore) > 0 {
		child := toExplore[0]
		toExplore = toExplore[1:]
		if _, seen := sub.Pages[child.ID]; seen {
			continue
		}
		sub.Pages[child.ID] = child
		toExplore = append(toExplore, child.Children...)
	}
	return sub, nil
}

// MissingPageError is returned when a page id is not present in the tree.
type MissingPageError struct {
	ID string
}

func (e *MissingPageError) Error() string {
	return "page not found in library tree: " + e.ID
}

// Home holds everything scraped from the library home page.
type Home struct {
	HomeURL         string
	WelcomeText     []string
	WelcomeImageURL string
	ScreenCSSURL    string
	PrintCSSURL     string
	InlineCSS       []string
	IconURLs        []string
}

// PageContent is the raw HTML body of a library page.
type PageContent struct {
	HTMLBody string
}
