// Package progress tracks "items done / items total" counters and
// periodically externalizes them to an optional stats file for outside
// monitoring. Observability only, never correctness-relevant.
package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Tracker holds the run counters. The total grows as each phase learns its
// true item count; done only ever increases.
type Tracker struct {
	done  atomic.Int64
	total atomic.Int64
}

// NewTracker starts at 0 done / 1 total so progress is never 100% before
// the first phase has announced its item count.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.total.Store(1)
	return t
}

// AddTotal grows the denominator when a phase learns its item count.
func (t *Tracker) AddTotal(n int) {
	t.total.Add(int64(n))
}

// Done increments the numerator.
func (t *Tracker) Done() {
	t.done.Add(1)
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() (done, total int64) {
	return t.done.Load(), t.total.Load()
}

type statsDoc struct {
	Done  int64 `json:"done"`
	Total int64 `json:"total"`
}

// Reporter periodically logs progress and, when statsPath is non-empty,
// writes it as JSON to that file.
type Reporter struct {
	tracker   *Tracker
	statsPath string
	logger    *slog.Logger
	interval  time.Duration
	stop      chan struct{}
	stopped   chan struct{}
}

func NewReporter(tracker *Tracker, statsPath string, logger *slog.Logger, interval time.Duration) *Reporter {
	return &Reporter{
		tracker:   tracker,
		statsPath: statsPath,
		logger:    logger,
		interval:  interval,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the reporting goroutine. It reports once immediately so a
// stats file exists from the very beginning of the run.
func (r *Reporter) Start() {
	r.Report()
	go func() {
		defer close(r.stopped)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Report()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop ends the reporting goroutine and emits one final report.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.stopped
	r.Report()
}

// Report logs and externalizes the current counters once.
func (r *Reporter) Report() {
	done, total := r.tracker.Snapshot()
	r.logger.Info("Progress", "done", done, "total", total)
	if r.statsPath == "" {
		return
	}
	data, err := json.MarshalIndent(statsDoc{Done: done, Total: total}, "", "  ")
	if err != nil {
		r.logger.Warn("Failed to marshal progress", "error", err)
		return
	}
	if err := os.WriteFile(r.statsPath, data, 0644); err != nil {
		r.logger.Warn("Failed to write stats file", "path", r.statsPath, "error", err)
	}
}

// String renders the counters for one-line phase summaries.
func (t *Tracker) String() string {
	done, total := t.Snapshot()
	return fmt.Sprintf("%d / %d", done, total)
}
