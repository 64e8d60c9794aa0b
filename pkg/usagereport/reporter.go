// Package usagereport implements the process-wide, best-effort usage
// queue (C8): a FIFO buffer flushed to the commerce back end on a
// size-or-time trigger, re-purposed from the teacher's streaming-chunk
// coalescer.
package usagereport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/hanzoai/gateway/pkg/config"
	"github.com/hanzoai/gateway/pkg/gwlog"
	"github.com/hanzoai/gateway/pkg/gwmetrics"
)

const (
	// DefaultBatchSize is the §4.8 flush-on-size threshold.
	DefaultBatchSize = 50
	// DefaultFlushInterval is the §4.8 flush-on-time threshold.
	DefaultFlushInterval = 5 * time.Second
)

// Record is the immutable §3 usage record. Enqueued records are never
// mutated; CacheReadTokens, CacheWriteTokens, and DurationMs are optional
// and omitted from the wire payload when nil.
type Record struct {
	Tenant           string     `json:"tenant"`
	Model            string     `json:"model"`
	Provider         string     `json:"provider"`
	InputTokens      int        `json:"inputTokens"`
	OutputTokens     int        `json:"outputTokens"`
	CacheReadTokens  *int       `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens *int       `json:"cacheWriteTokens,omitempty"`
	TotalTokens      int        `json:"totalTokens"`
	DurationMs       *int       `json:"durationMs,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Reporter is the process-wide FIFO usage queue plus its pending-flush
// timer, mirroring the teacher Coalescer's buffer-then-flushLocked shape:
// report() appends and arms a single timer if none is pending; flushLocked takes a
// batch, cancels the timer, and posts it while still holding the lock.
type Reporter struct {
	mu       sync.Mutex
	queue    []Record
	timer    *time.Timer
	batch    int
	interval time.Duration

	reportURL  string
	httpClient *http.Client
	logger     *gwlog.Logger
	enabled    bool
}

// New constructs a Reporter from cfg. The reporter is a no-op (report
// silently discards) until cfg.ReportURL is configured, per §4.8.
func New(cfg config.UsageConfig, logger *gwlog.Logger) *Reporter {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	interval := DefaultFlushInterval
	if cfg.FlushSeconds > 0 {
		interval = time.Duration(cfg.FlushSeconds) * time.Second
	}
	if logger == nil {
		logger = gwlog.Nop()
	}
	return &Reporter{
		batch:      batch,
		interval:   interval,
		reportURL:  cfg.ReportURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		enabled:    cfg.ReportURL != "",
	}
}

// Report appends record to the queue. If the queue reaches the batch
// size, a batch is flushed and posted before Report returns; otherwise a timer is armed (if
// not already) for the flush interval.
func (r *Reporter) Report(record Record) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = append(r.queue, record)
	gwmetrics.UsageQueueDepth.Set(float64(len(r.queue)))

	if len(r.queue) >= r.batch {
		r.flushLocked()
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.interval, r.onTimer)
	}
}

// onTimer fires the pending-flush timer.
func (r *Reporter) onTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = nil
	if len(r.queue) > 0 {
		r.flushLocked()
	}
}

// flushLocked takes up to r.batch records FIFO, cancels the pending
// timer, and posts them. Must be called with r.mu held. Reporting
// failures are logged and the batch is discarded, per §4.8's
// best-effort contract.
func (r *Reporter) flushLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if len(r.queue) == 0 {
		return
	}

	n := r.batch
	if n > len(r.queue) {
		n = len(r.queue)
	}
	batch := r.queue[:n]
	r.queue = r.queue[n:]
	gwmetrics.UsageQueueDepth.Set(float64(len(r.queue)))

	if err := r.post(batch); err != nil {
		r.logger.Warn(gwlog.CategoryUsage, "flush_failed", err.Error(), map[string]any{"count": len(batch)})
	}
}

// post sends batch to the commerce usage-ingestion endpoint.
func (r *Reporter) post(batch []Record) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, r.reportURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{resp.StatusCode}
	}
	return nil
}

// Shutdown drains the queue by repeatedly flushing until empty.
func (r *Reporter) Shutdown(ctx context.Context) {
	for {
		r.mu.Lock()
		empty := len(r.queue) == 0
		if !empty {
			r.flushLocked()
		}
		r.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// QueueLen reports the current queue depth, for tests and diagnostics.
func (r *Reporter) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "usagereport: commerce ingestion returned non-2xx status"
}
