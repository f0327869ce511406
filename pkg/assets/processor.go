// Package assets resolves discovered assets: cache-or-network-or-transcode
// with retry, a denylist for known-bad URLs and a global failure budget, all
// behind a bounded worker pool feeding the archive sink.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mindgrab/pkg/db"
	"mindgrab/pkg/fetcher"
	"mindgrab/pkg/progress"
	"mindgrab/pkg/rewriter"
	"mindgrab/pkg/s3cache"
	"mindgrab/pkg/transcoder"
	"mindgrab/pkg/zimfile"
)

// ErrKnownBadAsset marks a failure on a URL matching the denylist. Known-bad
// failures skip the retry loop and never count against the failure budget.
var ErrKnownBadAsset = errors.New("known bad asset failed")

// ErrThresholdReached aborts the run when too many assets failed.
var ErrThresholdReached = errors.New("asset failure threshold reached")

// supportedImageMimeTypes lists the content types routed through the
// transcode-and-cache path; anything else is downloaded as-is.
var supportedImageMimeTypes = map[string]bool{
	"image/jpeg":               true,
	"image/png":                true,
	"image/gif":                true,
	"image/bmp":                true,
	"image/tiff":               true,
	"image/webp":               true,
	"image/x-portable-pixmap":  true,
	"image/x-portable-graymap": true,
	"image/x-portable-bitmap":  true,
	"image/x-portable-anymap":  true,
	"image/vnd.microsoft.icon": true,
	"image/vnd.ms-dds":         true,
	"application/postscript":   true,
}

// retry schedule for whole-body downloads
const (
	backoffBase       = 3 * time.Second
	backoffMultiplier = 2
	backoffMaxElapsed = 30 * time.Second
)

// Downloader is the network access the processor needs.
type Downloader interface {
	GetBytes(url string) ([]byte, error)
	ProbeHeaders(url string) (fetcher.HeaderData, error)
}

// OptimizationCache stores transcoded assets keyed by path, source identity
// and transcoder version. A nil cache disables the read/write-through path.
type OptimizationCache interface {
	Get(ctx context.Context, assetPath, ident string, version int) ([]byte, error)
	Put(ctx context.Context, assetPath, ident string, version int, content []byte) error
}

// Sink receives resolved assets. zimfile.Creator implements it.
type Sink interface {
	AddItem(path string, content []byte, opts ...zimfile.ItemOption) error
}

// OutcomeRecorder persists per-asset outcomes. A nil recorder disables
// reporting.
type OutcomeRecorder interface {
	RecordAssetOutcome(runID int64, path, sourceURL, outcome string, sizeBytes int64, errMsg string) error
}

// Details carries per-asset resolution hints.
type Details struct {
	// UsedBy labels the pages referencing the asset, for diagnostics.
	UsedBy []string
	// AlwaysFetchOnline bypasses the probe/cache/transcode path.
	AlwaysFetchOnline bool
}

func (d Details) usageRepr() string {
	if len(d.UsedBy) == 0 {
		return ""
	}
	return " used by " + strings.Join(d.UsedBy, ", ")
}

// Processor resolves assets. Safe for concurrent use; the bad-asset counter
// and the current work item label are the only mutable state and both sit
// behind the mutex.
type Processor struct {
	downloader Downloader
	cache      OptimizationCache
	trans      *transcoder.Transcoder
	denylist   *regexp.Regexp
	threshold  int
	logger     *slog.Logger

	recorder OutcomeRecorder
	runID    int64

	// newBackOff builds the retry policy for one candidate URL; replaced
	// in tests to avoid multi-second sleeps.
	newBackOff func() backoff.BackOff

	mu          sync.Mutex
	badCount    int
	currentItem string
}

// Config wires a Processor.
type Config struct {
	Downloader Downloader
	Cache      OptimizationCache
	Transcoder *transcoder.Transcoder
	// Denylist matches asset URLs known to permanently fail.
	Denylist *regexp.Regexp
	// Threshold is the number of tolerated bad assets; negative means
	// unlimited.
	Threshold int
	Logger    *slog.Logger
	Recorder  OutcomeRecorder
	RunID     int64
}

func NewProcessor(cfg Config) *Processor {
	return &Processor{
		downloader: cfg.Downloader,
		cache:      cfg.Cache,
		trans:      cfg.Transcoder,
		denylist:   cfg.Denylist,
		threshold:  cfg.Threshold,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		runID:      cfg.RunID,
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = backoffBase
			policy.Multiplier = backoffMultiplier
			policy.MaxElapsedTime = backoffMaxElapsed
			return policy
		},
	}
}

// BadAssetCount returns the number of counted asset failures so far.
func (p *Processor) BadAssetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.badCount
}

func (p *Processor) setCurrentItem(label string) {
	p.mu.Lock()
	p.currentItem = label
	p.mu.Unlock()
}

func (p *Processor) record(path, url, outcome string, size int64, errMsg string) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordAssetOutcome(p.runID, path, url, outcome, size, errMsg); err != nil {
		p.logger.Warn("Failed to record asset outcome", "path", path, "error", err)
	}
}

// ProcessAsset resolves one asset and adds it to the sink. Candidate URLs
// are a fallback chain tried in discovery order: the first success wins and
// the rest are skipped. A nil return means either success or a tolerated
// skip; only a breached failure budget returns an error.
func (p *Processor) ProcessAsset(entry rewriter.Entry, details Details, sink Sink) error {
	for _, assetURL := range entry.URLs {
		p.setCurrentItem(fmt.Sprintf("asset from %s%s", assetURL, details.usageRepr()))

		content, err := p.getAssetContent(string(entry.Path), assetURL, details.AlwaysFetchOnline)
		if err == nil {
			p.logger.Debug("Adding asset to archive", "path", entry.Path)
			if err := sink.AddItem("content/"+string(entry.Path), content); err != nil {
				return fmt.Errorf("failed to add asset %s to archive: %w", entry.Path, err)
			}
			p.record(string(entry.Path), assetURL, db.OutcomeOK, int64(len(content)), "")
			return nil
		}

		if errors.Is(err, ErrKnownBadAsset) {
			p.logger.Debug("Ignoring known bad asset", "url", assetURL, "error", err)
			p.record(string(entry.Path), assetURL, db.OutcomeKnownBad, 0, err.Error())
			continue
		}

		// Any other failure counts against the budget: there is no telling
		// what went wrong, the threshold has to be trusted.
		p.record(string(entry.Path), assetURL, db.OutcomeFailed, 0, err.Error())
		if fatalErr := p.countBadAsset(err); fatalErr != nil {
			return fatalErr
		}
	}
	// left absent from the archive; tolerated
	return nil
}

func (p *Processor) countBadAsset(cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badCount++
	if p.threshold >= 0 && p.badCount > p.threshold {
		p.logger.Error("Exception while processing", "work_item", p.currentItem, "error", cause)
		return fmt.Errorf("%w (%d), stopping execution", ErrThresholdReached, p.threshold)
	}
	p.logger.Warn("Exception while processing", "work_item", p.currentItem, "error", cause)
	return nil
}

// getAssetContent resolves one candidate URL: probe headers, then either the
// cache/transcode path for supported images or a plain download. Network
// failures are retried with exponential backoff unless the URL is
// denylisted.
func (p *Processor) getAssetContent(assetPath, assetURL string, alwaysFetchOnline bool) ([]byte, error) {
	operation := func() ([]byte, error) {
		content, err := p.resolveOnce(assetPath, assetURL, alwaysFetchOnline)
		if err == nil {
			return content, nil
		}
		var netErr *networkError
		if errors.As(err, &netErr) {
			if p.denylist != nil && p.denylist.MatchString(assetURL) {
				return nil, backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrKnownBadAsset, assetURL, netErr.cause))
			}
			return nil, netErr.cause // retryable
		}
		return nil, backoff.Permanent(err)
	}

	return backoff.RetryWithData(operation, p.newBackOff())
}

// networkError tags failures eligible for retry.
type networkError struct {
	cause error
}

func (e *networkError) Error() string { return e.cause.Error() }
func (e *networkError) Unwrap() error { return e.cause }

func (p *Processor) resolveOnce(assetPath, assetURL string, alwaysFetchOnline bool) ([]byte, error) {
	if !alwaysFetchOnline {
		header, err := p.downloader.ProbeHeaders(assetURL)
		if err != nil {
			return nil, &networkError{cause: err}
		}
		if mime := header.MimeType(); supportedImageMimeTypes[mime] {
			return p.getImageContent(assetPath, assetURL, header)
		} else if mime != "" {
			p.logger.Debug("Not optimizing, unsupported mime type", "mime", mime, "url", assetURL)
		}
	}
	content, err := p.downloader.GetBytes(assetURL)
	if err != nil {
		return nil, &networkError{cause: err}
	}
	return content, nil
}

// getImageContent serves a supported image from the optimization cache or
// downloads, transcodes and writes it through.
func (p *Processor) getImageContent(assetPath, assetURL string, header fetcher.HeaderData) ([]byte, error) {
	ctx := context.Background()

	if p.cache != nil {
		cached, err := p.cache.Get(ctx, assetPath, header.Ident, transcoder.Version)
		if err == nil {
			p.logger.Debug("Fetching directly from optimization cache", "path", assetPath)
			return cached, nil
		}
		if !errors.Is(err, s3cache.ErrCacheMiss) {
			return nil, fmt.Errorf("optimization cache failure for %s: %w", assetPath, err)
		}
	}

	p.logger.Debug("Fetching from online", "url", assetURL)
	raw, err := p.downloader.GetBytes(assetURL)
	if err != nil {
		return nil, &networkError{cause: err}
	}

	p.logger.Debug("Optimizing", "path", assetPath)
	optimized, err := p.trans.Transcode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to transcode %s: %w", assetURL, err)
	}

	if p.cache != nil {
		p.logger.Debug("Uploading to optimization cache", "path", assetPath)
		if err := p.cache.Put(ctx, assetPath, header.Ident, transcoder.Version, optimized); err != nil {
			return nil, fmt.Errorf("optimization cache failure for %s: %w", assetPath, err)
		}
	}
	return optimized, nil
}

// ProcessAll drains the asset map with a bounded worker pool. tracker may be
// nil. The first fatal error aborts the pool.
func (p *Processor) ProcessAll(entries []rewriter.Entry, workers int, sink Sink, tracker *progress.Tracker) error {
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan rewriter.Entry, len(entries))
	var wg sync.WaitGroup
	var aborted atomic.Bool
	var fatalOnce sync.Once
	var fatalErr error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if aborted.Load() {
					continue
				}
				if err := p.ProcessAsset(entry, Details{UsedBy: entry.UsedBy}, sink); err != nil {
					fatalOnce.Do(func() {
						fatalErr = err
						aborted.Store(true)
					})
				}
				if tracker != nil {
					tracker.Done()
				}
			}
		}()
	}

	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()

	return fatalErr
}
