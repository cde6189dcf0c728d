package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Tracker accumulates per-flavour completion counts between feedback
// reports.
type Tracker struct {
	mu        sync.Mutex
	counts    map[string]float64
	lastDrain time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		counts:    make(map[string]float64),
		lastDrain: time.Now(),
	}
}

// Observe records one completed request for a flavour.
func (t *Tracker) Observe(flavour string) {
	t.mu.Lock()
	t.counts[flavour]++
	t.mu.Unlock()
}

// Drain returns and resets the accumulated counts plus the seconds elapsed
// since the previous drain.
func (t *Tracker) Drain() (map[string]float64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := t.counts
	t.counts = make(map[string]float64)
	window := time.Since(t.lastDrain).Seconds()
	t.lastDrain = time.Now()
	return counts, window
}

type feedbackReport struct {
	FlavourCounts map[string]float64 `json:"flavourCounts"`
	WindowSeconds float64            `json:"windowSeconds"`
}

// Reporter periodically posts drained counts to the decision engine so the
// ledger tracks realised traffic, not just published schedules.
type Reporter struct {
	url      string
	tracker  *Tracker
	client   *http.Client
	interval time.Duration
}

// NewReporter creates a reporter posting to the engine's feedback endpoint.
func NewReporter(url string, tracker *Tracker, interval time.Duration) *Reporter {
	return &Reporter{
		url:      url,
		tracker:  tracker,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
	}
}

// Run posts reports until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.report(ctx); err != nil {
				klog.ErrorS(err, "Feedback report failed", "url", r.url)
			}
		}
	}
}

func (r *Reporter) report(ctx context.Context) error {
	counts, window := r.tracker.Drain()
	if len(counts) == 0 {
		return nil
	}

	body, err := json.Marshal(feedbackReport{FlavourCounts: counts, WindowSeconds: window})
	if err != nil {
		return fmt.Errorf("encode feedback report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post feedback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post feedback: unexpected status %d", resp.StatusCode)
	}
	return nil
}
