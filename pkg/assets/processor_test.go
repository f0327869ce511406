package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"mindgrab/pkg/fetcher"
	"mindgrab/pkg/progress"
	"mindgrab/pkg/rewriter"
	"mindgrab/pkg/s3cache"
	"mindgrab/pkg/transcoder"
	"mindgrab/pkg/zimfile"
)

type fakeDownloader struct {
	mu      sync.Mutex
	headers map[string]fetcher.HeaderData
	bodies  map[string][]byte
	fails   map[string]int // remaining failures before success
	calls   map[string]int
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		headers: map[string]fetcher.HeaderData{},
		bodies:  map[string][]byte{},
		fails:   map[string]int{},
		calls:   map[string]int{},
	}
}

func (d *fakeDownloader) ProbeHeaders(url string) (fetcher.HeaderData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	header, ok := d.headers[url]
	if !ok {
		return fetcher.HeaderData{}, fmt.Errorf("probe failed for %s", url)
	}
	return header, nil
}

func (d *fakeDownloader) GetBytes(url string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[url]++
	if d.fails[url] > 0 {
		d.fails[url]--
		return nil, fmt.Errorf("download failed for %s", url)
	}
	body, ok := d.bodies[url]
	if !ok {
		return nil, fmt.Errorf("download failed for %s", url)
	}
	return body, nil
}

type fakeCache struct {
	mu    sync.Mutex
	items map[string][]byte
	puts  int
}

func cacheKey(path, ident string, version int) string {
	return fmt.Sprintf("%s|%s|%d", path, ident, version)
}

func (c *fakeCache) Get(_ context.Context, path, ident string, version int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.items[cacheKey(path, ident, version)]
	if !ok {
		return nil, s3cache.ErrCacheMiss
	}
	return content, nil
}

func (c *fakeCache) Put(_ context.Context, path, ident string, version int, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = map[string][]byte{}
	}
	c.items[cacheKey(path, ident, version)] = content
	c.puts++
	return nil
}

type fakeSink struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (s *fakeSink) AddItem(path string, content []byte, _ ...zimfile.ItemOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = map[string][]byte{}
	}
	s.items[path] = content
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noWait(p *Processor) {
	p.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestProcessAssetPlainDownload(t *testing.T) {
	dl := newFakeDownloader()
	dl.headers["https://cdn.example.com/a.js"] = fetcher.HeaderData{Ident: "abc", ContentType: "text/javascript"}
	dl.bodies["https://cdn.example.com/a.js"] = []byte("console.log(1)")

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: 0, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}

	entry := rewriter.Entry{Path: "cdn.example.com/a.js", URLs: []string{"https://cdn.example.com/a.js"}}
	if err := p.ProcessAsset(entry, Details{}, sink); err != nil {
		t.Fatalf("ProcessAsset() error = %v", err)
	}
	if got := string(sink.items["content/cdn.example.com/a.js"]); got != "console.log(1)" {
		t.Errorf("archive content = %q, want script body", got)
	}
}

func TestProcessAssetTranscodesImages(t *testing.T) {
	dl := newFakeDownloader()
	dl.headers["https://cdn.example.com/big.png"] = fetcher.HeaderData{Ident: "v1", ContentType: "image/png"}
	dl.bodies["https://cdn.example.com/big.png"] = pngBytes(t, 40, 30)

	cache := &fakeCache{}
	p := NewProcessor(Config{Downloader: dl, Cache: cache, Transcoder: transcoder.New(), Threshold: 0, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}

	entry := rewriter.Entry{Path: "cdn.example.com/big.png", URLs: []string{"https://cdn.example.com/big.png"}}
	if err := p.ProcessAsset(entry, Details{}, sink); err != nil {
		t.Fatalf("ProcessAsset() error = %v", err)
	}

	stored := sink.items["content/cdn.example.com/big.png"]
	if len(stored) == 0 {
		t.Fatal("image missing from archive")
	}
	if !bytes.Contains(stored[:12], []byte("WEBP")) {
		t.Errorf("stored image is not WebP, header = %q", stored[:12])
	}
	if cache.puts != 1 {
		t.Errorf("cache puts = %d, want 1", cache.puts)
	}
}

func TestProcessAssetServesFromCache(t *testing.T) {
	dl := newFakeDownloader()
	dl.headers["https://cdn.example.com/pic.png"] = fetcher.HeaderData{Ident: "etag-1", ContentType: "image/png"}

	cache := &fakeCache{items: map[string][]byte{
		cacheKey("cdn.example.com/pic.png", "etag-1", transcoder.Version): []byte("cached-webp"),
	}}
	p := NewProcessor(Config{Downloader: dl, Cache: cache, Transcoder: transcoder.New(), Threshold: 0, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}

	entry := rewriter.Entry{Path: "cdn.example.com/pic.png", URLs: []string{"https://cdn.example.com/pic.png"}}
	if err := p.ProcessAsset(entry, Details{}, sink); err != nil {
		t.Fatalf("ProcessAsset() error = %v", err)
	}
	if got := string(sink.items["content/cdn.example.com/pic.png"]); got != "cached-webp" {
		t.Errorf("archive content = %q, want cached copy", got)
	}
	if dl.calls["https://cdn.example.com/pic.png"] != 0 {
		t.Error("downloaded body despite cache hit")
	}
}

func TestProcessAssetFallbackChain(t *testing.T) {
	dl := newFakeDownloader()
	dl.headers["https://mirror.example.com/a.css"] = fetcher.HeaderData{Ident: "x", ContentType: "text/css"}
	dl.bodies["https://mirror.example.com/a.css"] = []byte("body{}")

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: 5, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}

	entry := rewriter.Entry{
		Path: "example.com/a.css",
		URLs: []string{"https://dead.example.com/a.css", "https://mirror.example.com/a.css"},
	}
	if err := p.ProcessAsset(entry, Details{UsedBy: []string{"Home"}}, sink); err != nil {
		t.Fatalf("ProcessAsset() error = %v", err)
	}
	if got := string(sink.items["content/example.com/a.css"]); got != "body{}" {
		t.Errorf("archive content = %q, want fallback body", got)
	}
	if got := p.BadAssetCount(); got != 1 {
		t.Errorf("BadAssetCount() = %d, want 1 for the dead mirror", got)
	}
}

func TestProcessAssetKnownBadNotCounted(t *testing.T) {
	dl := newFakeDownloader()

	p := NewProcessor(Config{
		Downloader: dl,
		Transcoder: transcoder.New(),
		Denylist:   regexp.MustCompile(`broken\.example\.com`),
		Threshold:  0,
		Logger:     testLogger(),
	})
	noWait(p)
	sink := &fakeSink{}

	entry := rewriter.Entry{Path: "broken.example.com/x.png", URLs: []string{"https://broken.example.com/x.png"}}
	if err := p.ProcessAsset(entry, Details{}, sink); err != nil {
		t.Fatalf("ProcessAsset() error = %v", err)
	}
	if got := p.BadAssetCount(); got != 0 {
		t.Errorf("BadAssetCount() = %d, want 0 for denylisted URL", got)
	}
	if len(sink.items) != 0 {
		t.Errorf("sink has %d items, want none", len(sink.items))
	}
}

func TestProcessAssetThresholdBreached(t *testing.T) {
	dl := newFakeDownloader()

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: 0, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}

	entry := rewriter.Entry{Path: "example.com/x.png", URLs: []string{"https://dead.example.com/x.png"}}
	err := p.ProcessAsset(entry, Details{}, sink)
	if !errors.Is(err, ErrThresholdReached) {
		t.Fatalf("ProcessAsset() error = %v, want ErrThresholdReached", err)
	}
}

func TestProcessAssetNegativeThresholdUnlimited(t *testing.T) {
	dl := newFakeDownloader()

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: -1, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}

	for i := 0; i < 20; i++ {
		entry := rewriter.Entry{
			Path: rewriter.AssetPath(fmt.Sprintf("example.com/%d.png", i)),
			URLs: []string{fmt.Sprintf("https://dead.example.com/%d.png", i)},
		}
		if err := p.ProcessAsset(entry, Details{}, sink); err != nil {
			t.Fatalf("ProcessAsset() error = %v on failure %d", err, i)
		}
	}
	if got := p.BadAssetCount(); got != 20 {
		t.Errorf("BadAssetCount() = %d, want 20", got)
	}
}

func TestGetAssetContentRetriesTransientFailures(t *testing.T) {
	dl := newFakeDownloader()
	dl.headers["https://cdn.example.com/flaky.js"] = fetcher.HeaderData{Ident: "x", ContentType: "text/javascript"}
	dl.bodies["https://cdn.example.com/flaky.js"] = []byte("ok")
	dl.fails["https://cdn.example.com/flaky.js"] = 2

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: 0, Logger: testLogger()})
	noWait(p)

	content, err := p.getAssetContent("cdn.example.com/flaky.js", "https://cdn.example.com/flaky.js", false)
	if err != nil {
		t.Fatalf("getAssetContent() error = %v", err)
	}
	if string(content) != "ok" {
		t.Errorf("content = %q, want %q", content, "ok")
	}
	if got := dl.calls["https://cdn.example.com/flaky.js"]; got != 3 {
		t.Errorf("download attempts = %d, want 3", got)
	}
}

func TestProcessAssetAlwaysFetchOnlineSkipsProbe(t *testing.T) {
	dl := newFakeDownloader()
	// no header registered on purpose; a probe would fail
	dl.bodies["https://cdn.example.com/live.png"] = []byte("raw-bytes")

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: 0, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}

	entry := rewriter.Entry{Path: "cdn.example.com/live.png", URLs: []string{"https://cdn.example.com/live.png"}}
	if err := p.ProcessAsset(entry, Details{AlwaysFetchOnline: true}, sink); err != nil {
		t.Fatalf("ProcessAsset() error = %v", err)
	}
	if got := string(sink.items["content/cdn.example.com/live.png"]); got != "raw-bytes" {
		t.Errorf("archive content = %q, want the raw body", got)
	}
}

func TestProcessAllDrainsEntries(t *testing.T) {
	dl := newFakeDownloader()
	var entries []rewriter.Entry
	for i := 0; i < 25; i++ {
		url := fmt.Sprintf("https://cdn.example.com/f%d.txt", i)
		dl.headers[url] = fetcher.HeaderData{Ident: "x", ContentType: "text/plain"}
		dl.bodies[url] = []byte(fmt.Sprintf("file %d", i))
		entries = append(entries, rewriter.Entry{
			Path: rewriter.AssetPath(fmt.Sprintf("cdn.example.com/f%d.txt", i)),
			URLs: []string{url},
		})
	}

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: 0, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}
	tracker := progress.NewTracker()
	tracker.AddTotal(len(entries))

	if err := p.ProcessAll(entries, 4, sink, tracker); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if got := len(sink.items); got != 25 {
		t.Errorf("sink has %d items, want 25", got)
	}
	if done, _ := tracker.Snapshot(); done != 25 {
		t.Errorf("tracker done = %d, want 25", done)
	}
}

func TestProcessAllReportsUsedByLabels(t *testing.T) {
	dl := newFakeDownloader()

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: -1, Logger: logger})
	noWait(p)
	sink := &fakeSink{}

	entries := []rewriter.Entry{{
		Path:   "example.com/missing.png",
		URLs:   []string{"https://dead.example.com/missing.png"},
		UsedBy: []string{"https://example.com/Guides/Install"},
	}}
	if err := p.ProcessAll(entries, 1, sink, nil); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if !strings.Contains(logBuf.String(), "used by https://example.com/Guides/Install") {
		t.Errorf("log = %q, want the referencing page in the work item label", logBuf.String())
	}
}

func TestProcessAllAbortsOnThreshold(t *testing.T) {
	dl := newFakeDownloader()
	var entries []rewriter.Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, rewriter.Entry{
			Path: rewriter.AssetPath(fmt.Sprintf("example.com/%d.png", i)),
			URLs: []string{fmt.Sprintf("https://dead.example.com/%d.png", i)},
		})
	}

	p := NewProcessor(Config{Downloader: dl, Transcoder: transcoder.New(), Threshold: 2, Logger: testLogger()})
	noWait(p)
	sink := &fakeSink{}

	err := p.ProcessAll(entries, 3, sink, nil)
	if !errors.Is(err, ErrThresholdReached) {
		t.Fatalf("ProcessAll() error = %v, want ErrThresholdReached", err)
	}
}
