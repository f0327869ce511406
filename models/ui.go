package models

// JSON documents written into the archive for the viewer UI. Key names are
// camelCase and must stay stable, the UI is built separately.

// UIConfig is serialized to content/config.json.
type UIConfig struct {
	SecondaryColor string `json:"secondaryColor"`
}

// UIPage is one entry of the page listing in content/shared.json.
type UIPage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

// UIShared is serialized to content/shared.json.
type UIShared struct {
	LogoPath     string   `json:"logoPath"`
	RootPagePath string   `json:"rootPagePath"`
	Pages        []UIPage `json:"pages"`
	JSPaths      []string `json:"jsPaths"`
}

// UIPageContent is serialized to content/page_content_<id>.json.
type UIPageContent struct {
	HTMLBody string `json:"htmlBody"`
}
