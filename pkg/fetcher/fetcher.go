// Package fetcher wraps HTTP access for the scraper: plain downloads and the
// cheap header probe used to fingerprint remote assets without downloading
// them.
package fetcher

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NoIdent is the fingerprint sentinel used when a response carries none of
// the identity headers.
const NoIdent = "-1"

// HeaderData is the cheap identity fingerprint of a remote resource.
type HeaderData struct {
	Ident       string
	ContentType string
}

// MimeType returns the media type of the probed resource without parameters,
// e.g. "image/png" out of "image/png; charset=binary".
func (h HeaderData) MimeType() string {
	mime, _, _ := strings.Cut(h.ContentType, ";")
	return strings.TrimSpace(mime)
}

type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher creates a Fetcher. contactInfo is embedded in the User-Agent
// header of every request, per Wikimedia etiquette for scrapers.
func NewFetcher(scraperID, contactInfo string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: fmt.Sprintf("%s (%s)", scraperID, contactInfo),
	}
}

func (f *Fetcher) get(url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// GetBytes downloads the whole body at url.
func (f *Fetcher) GetBytes(url string) ([]byte, error) {
	return f.GetBytesWithHeaders(url, nil)
}

// GetBytesWithHeaders downloads the whole body at url with extra request
// headers set.
func (f *Fetcher) GetBytesWithHeaders(url string, headers map[string]string) ([]byte, error) {
	resp, err := f.get(url, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// ProbeHeaders fetches response headers for url without downloading the
// resource, using a 1-byte range GET. HEAD is not used on purpose: redirects
// cannot always be followed with HEAD and servers sometimes lie to it.
// The ident is the strongest identity signal available, in priority order
// ETag > Last-Modified > Content-Length, or NoIdent when none is present.
func (f *Fetcher) ProbeHeaders(url string) (HeaderData, error) {
	resp, err := f.get(url, map[string]string{"Range": "bytes=0-0"})
	if err != nil {
		return HeaderData{}, err
	}
	defer resp.Body.Close()
	// drain the single byte so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	data := HeaderData{
		Ident:       NoIdent,
		ContentType: resp.Header.Get("Content-Type"),
	}
	for _, header := range []string{"ETag", "Last-Modified", "Content-Length"} {
		if value := resp.Header.Get(header); value != "" {
			data.Ident = value
			break
		}
	}
	return data, nil
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to fetch %s, status code: %d", e.URL, e.StatusCode)
}
