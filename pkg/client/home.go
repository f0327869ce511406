package client

import (
	"encoding/json"

	"github.com/PuerkitoBio/goquery"
)

// Home page extraction helpers. The selectors are tied to the Mindtouch
// markup as served by libretexts.org; every absent element is a parsing
// error so structural changes upstream fail loudly.

func dekiTokenFromHome(doc *goquery.Document) (string, error) {
	script := doc.Find("script#mt-global-settings").First()
	if script.Length() == 0 {
		return "", parsingError("mt-global-settings script not found on home page")
	}
	var settings struct {
		APIToken string `json:"apiToken"`
	}
	if err := json.Unmarshal([]byte(script.Text()), &settings); err != nil {
		return "", parsingError("mt-global-settings script is not valid JSON: %v", err)
	}
	if settings.APIToken == "" {
		return "", parsingError("mt-global-settings script misses apiToken")
	}
	return settings.APIToken, nil
}

func welcomeImageURLFromHome(doc *goquery.Document) (string, error) {
	branding := doc.Find("div.LTBranding").First()
	if branding.Length() == 0 {
		return "", parsingError("<div> with class 'LTBranding' not found")
	}
	img := branding.Find("img").First()
	if img.Length() == 0 {
		return "", parsingError("<img> not found in <div> with class 'LTBranding'")
	}
	src, ok := img.Attr("src")
	if !ok || src == "" {
		return "", parsingError("<img> in <div> with class 'LTBranding' has no src attribute")
	}
	return src, nil
}

func welcomeTextFromHome(doc *goquery.Document) []string {
	var paragraphs []string
	doc.Find("section.mt-content-container > p").Each(func(_ int, p *goquery.Selection) {
		if text := p.Text(); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	return paragraphs
}

// cssURLFromHome expects exactly one stylesheet link per media attribute on
// the home page; zero or several of them means the markup changed and the
// run must not silently pick one.
func cssURLFromHome(doc *goquery.Document, media string) (string, error) {
	links := doc.Find(`link[rel="stylesheet"][media="` + media + `"]`)
	if links.Length() != 1 {
		return "", parsingError(
			"failed to find %s CSS URL in home page, %d link(s) found", media, links.Length())
	}
	href, ok := links.First().Attr("href")
	if !ok || href == "" {
		return "", parsingError("%s CSS link has no href", media)
	}
	return href, nil
}

func inlineCSSFromHome(doc *goquery.Document) []string {
	var blocks []string
	doc.Find(`style[type="text/css"]`).Each(func(_ int, style *goquery.Selection) {
		if text := style.Text(); text != "" {
			blocks = append(blocks, text)
		}
	})
	return blocks
}

func iconURLsFromHome(doc *goquery.Document) []string {
	var urls []string
	doc.Find(`link[rel="icon"], link[rel="shortcut icon"], link[rel="apple-touch-icon"]`).
		Each(func(_ int, link *goquery.Selection) {
			if href, ok := link.Attr("href"); ok && href != "" {
				urls = append(urls, href)
			}
		})
	return urls
}
