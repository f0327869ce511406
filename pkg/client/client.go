// Package client reads data from a Mindtouch / Nice CXone Expert instance:
// home page details, the page tree and raw page contents.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"mindgrab/models"
	"mindgrab/pkg/caching"
	"mindgrab/pkg/fetcher"
)

// ErrParsing wraps every "expected structure is absent" failure so callers
// can distinguish malformed upstream data from plain network errors.
var ErrParsing = errors.New("mindtouch response parsing error")

func parsingError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParsing, fmt.Sprintf(format, args...))
}

type Client struct {
	libraryURL string
	fetcher    *fetcher.Fetcher
	cache      *caching.Cache
	logger     *slog.Logger
	dekiToken  string
}

// NewClient creates a client for the library at libraryURL (no trailing
// slash). API and text responses are cached through cache.
func NewClient(libraryURL string, f *fetcher.Fetcher, cache *caching.Cache, logger *slog.Logger) *Client {
	return &Client{
		libraryURL: libraryURL,
		fetcher:    f,
		cache:      cache,
		logger:     logger,
	}
}

// LibraryURL returns the library base URL without trailing slash.
func (c *Client) LibraryURL() string {
	return c.libraryURL
}

func (c *Client) apiURL() string {
	return c.libraryURL + "/@api/deki"
}

func (c *Client) getCached(url string, headers map[string]string) ([]byte, error) {
	if data, ok := c.cache.Get(url); ok {
		return data, nil
	}
	c.logger.Debug("Fetching", "url", url)
	data, err := c.fetcher.GetBytesWithHeaders(url, headers)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(url, data); err != nil {
		c.logger.Warn("Failed to cache response", "url", url, "error", err)
	}
	return data, nil
}

func (c *Client) getAPIJSON(subPath string, out any) error {
	token, err := c.getDekiToken()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s%s?dream.out.format=json", c.apiURL(), subPath)
	data, err := c.getCached(url, map[string]string{"x-deki-token": token})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return parsingError("invalid JSON from %s: %v", subPath, err)
	}
	return nil
}

// getDekiToken scrapes the API token from the home page on first use.
func (c *Client) getDekiToken() (string, error) {
	if c.dekiToken != "" {
		return c.dekiToken, nil
	}
	doc, err := c.getHomeDocument()
	if err != nil {
		return "", err
	}
	token, err := dekiTokenFromHome(doc)
	if err != nil {
		return "", err
	}
	c.dekiToken = token
	return token, nil
}

func (c *Client) getHomeDocument() (*goquery.Document, error) {
	data, err := c.getCached(c.libraryURL+"/", nil)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, parsingError("failed to parse home page HTML: %v", err)
	}
	return doc, nil
}

// GetHome retrieves home page details by crawling the home page.
func (c *Client) GetHome() (*models.Home, error) {
	doc, err := c.getHomeDocument()
	if err != nil {
		return nil, err
	}

	token, err := dekiTokenFromHome(doc)
	if err != nil {
		return nil, err
	}
	c.dekiToken = token

	welcomeImageURL, err := welcomeImageURLFromHome(doc)
	if err != nil {
		return nil, err
	}
	screenCSSURL, err := cssURLFromHome(doc, "screen")
	if err != nil {
		return nil, err
	}
	printCSSURL, err := cssURLFromHome(doc, "print")
	if err != nil {
		return nil, err
	}

	return &models.Home{
		HomeURL:         c.libraryURL + "/",
		WelcomeText:     welcomeTextFromHome(doc),
		WelcomeImageURL: welcomeImageURL,
		ScreenCSSURL:    screenCSSURL,
		PrintCSSURL:     printCSSURL,
		InlineCSS:       inlineCSSFromHome(doc),
		IconURLs:        iconURLsFromHome(doc),
	}, nil
}

// treeNode matches the shape of /pages/home/tree nodes. Subpages is either
// an empty string, a single node object or an array of nodes, so it stays a
// RawMessage until walked.
type treeNode struct {
	ID    string `json:"@id"`
	Title string `json:"title"`
	Path  struct {
		Text string `json:"#text"`
	} `json:"path"`
	Subpages json.RawMessage `json:"subpages"`
}

func subpageNodes(raw json.RawMessage) ([]treeNode, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == `""` || trimmed == "null" {
		return nil, nil
	}
	var wrapper struct {
		Page json.RawMessage `json:"page"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, parsingError("unexpected subpages shape: %v", err)
	}
	if len(wrapper.Page) == 0 {
		return nil, nil
	}
	if strings.HasPrefix(strings.TrimSpace(string(wrapper.Page)), "[") {
		var nodes []treeNode
		if err := json.Unmarshal(wrapper.Page, &nodes); err != nil {
			return nil, parsingError("unexpected subpages array shape: %v", err)
		}
		return nodes, nil
	}
	var node treeNode
	if err := json.Unmarshal(wrapper.Page, &node); err != nil {
		return nil, parsingError("unexpected subpage object shape: %v", err)
	}
	return []treeNode{node}, nil
}

// GetPageTree retrieves the whole tree of pages of the library.
func (c *Client) GetPageTree() (*models.LibraryTree, error) {
	var treeData struct {
		Page treeNode `json:"page"`
	}
	if err := c.getAPIJSON("/pages/home/tree", &treeData); err != nil {
		return nil, err
	}
	if treeData.Page.ID == "" {
		return nil, parsingError("tree response has no root page id")
	}

	root := &models.LibraryPage{
		ID:    treeData.Page.ID,
		Title: treeData.Page.Title,
		Path:  treeData.Page.Path.Text,
	}
	tree := models.NewLibraryTree(root)

	var addChildren func(node treeNode, parent *models.LibraryPage) error
	addChildren = func(node treeNode, parent *models.LibraryPage) error {
		children, err := subpageNodes(node.Subpages)
		if err != nil {
			return err
		}
		for _, childNode := range children {
			if childNode.ID == "" {
				return parsingError("tree node under %s has no id", parent.ID)
			}
			child := &models.LibraryPage{
				ID:    childNode.ID,
				Title: childNode.Title,
				Path:  childNode.Path.Text,
			}
			tree.AddPage(child, parent)
			if err := addChildren(childNode, child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := addChildren(treeData.Page, root); err != nil {
		return nil, err
	}
	return tree, nil
}

// GetPageContent returns the raw HTML content of a given page. The contents
// endpoint returns body as a two element array: the HTML string followed by
// a {"@target": "toc"} object; anything else is a parsing error.
func (c *Client) GetPageContent(page *models.LibraryPage) (*models.PageContent, error) {
	var contents struct {
		Body []json.RawMessage `json:"body"`
	}
	subPath := fmt.Sprintf("/pages/%s/contents", page.ID)
	if err := c.getAPIJSON(subPath, &contents); err != nil {
		return nil, err
	}
	if len(contents.Body) < 2 {
		return nil, parsingError("%s body has %d elements, want 2", subPath, len(contents.Body))
	}
	var htmlBody string
	if err := json.Unmarshal(contents.Body[0], &htmlBody); err != nil {
		return nil, parsingError("first body element of %s is not a string", subPath)
	}
	var second struct {
		Target string `json:"@target"`
	}
	if err := json.Unmarshal(contents.Body[1], &second); err != nil {
		return nil, parsingError("second body element of %s is not an object", subPath)
	}
	if second.Target != "toc" {
		return nil, parsingError(
			"second body element of %s has @target %q, only 'toc' is expected",
			subPath, second.Target)
	}
	return &models.PageContent{HTMLBody: htmlBody}, nil
}
