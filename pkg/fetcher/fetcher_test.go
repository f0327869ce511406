package fetcher

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestFetcher() *Fetcher {
	return NewFetcher("mindgrab/test", "https://example.com/contact", 5*time.Second)
}

func TestGetBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "mindgrab/test (https://example.com/contact)" {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	body, err := newTestFetcher().GetBytes(server.URL)
	if err != nil {
		t.Fatalf("GetBytes() error = %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestGetBytesStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestFetcher().GetBytes(server.URL)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", statusErr.StatusCode)
	}
}

func TestProbeHeadersIdentPriority(t *testing.T) {
	tests := []struct {
		name      string
		headers   map[string]string
		wantIdent string
	}{
		{
			name:      "etag wins over last-modified",
			headers:   map[string]string{"ETag": `"abc"`, "Last-Modified": "Mon, 02 Jan 2006 15:04:05 GMT"},
			wantIdent: `"abc"`,
		},
		{
			name:      "last-modified wins over content-length",
			headers:   map[string]string{"Last-Modified": "Mon, 02 Jan 2006 15:04:05 GMT"},
			wantIdent: "Mon, 02 Jan 2006 15:04:05 GMT",
		},
		{
			name:      "no identity headers gives sentinel",
			headers:   map[string]string{},
			wantIdent: NoIdent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sawRange string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sawRange = r.Header.Get("Range")
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("Content-Type", "image/png; charset=binary")
				// Content-Length is stripped from the priority list by
				// httptest unless set explicitly; the sentinel case relies
				// on chunked encoding having no length.
				w.(http.Flusher).Flush()
				w.Write([]byte{0x1})
			}))
			defer server.Close()

			data, err := newTestFetcher().ProbeHeaders(server.URL)
			if err != nil {
				t.Fatalf("ProbeHeaders() error = %v", err)
			}
			if sawRange != "bytes=0-0" {
				t.Errorf("Range header = %q, want bytes=0-0", sawRange)
			}
			if data.Ident != tt.wantIdent {
				t.Errorf("Ident = %q, want %q", data.Ident, tt.wantIdent)
			}
			if got := data.MimeType(); got != "image/png" {
				t.Errorf("MimeType() = %q, want image/png", got)
			}
		})
	}
}
