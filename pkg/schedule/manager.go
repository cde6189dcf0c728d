package schedule

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
)

// Manager polls the decision engine for the current schedule and hands out
// lock-free snapshots to request handlers.
type Manager struct {
	url      string
	client   *http.Client
	interval time.Duration
	current  atomic.Pointer[TrafficSchedule]
	now      func() time.Time

	// OnUpdate, when set, is called with every freshly fetched schedule.
	OnUpdate func(*TrafficSchedule)
}

// NewManager creates a manager polling the given schedule URL.
func NewManager(url string, interval time.Duration) *Manager {
	return &Manager{
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		now:      time.Now,
	}
}

// Snapshot returns the current schedule, falling back to the default bucket
// while nothing has been fetched or the last fetch has expired.
func (m *Manager) Snapshot() *TrafficSchedule {
	ts := m.current.Load()
	if ts == nil || ts.Expired(m.now()) {
		return DefaultSchedule()
	}
	return ts
}

// LoadOnce fetches the schedule a single time. A pending engine (202) keeps
// the previous snapshot and is not an error.
func (m *Manager) LoadOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return fmt.Errorf("build schedule request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch schedule: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		klog.V(3).InfoS("Schedule not computed yet", "url", m.url)
		return nil
	default:
		return fmt.Errorf("fetch schedule: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read schedule body: %w", err)
	}
	ts, err := Parse(body)
	if err != nil {
		return err
	}

	m.current.Store(ts)
	if m.OnUpdate != nil {
		m.OnUpdate(ts)
	}
	klog.V(2).InfoS("Schedule updated",
		"url", m.url,
		"flavours", len(ts.Flavours()),
		"throttle", ts.ThrottleFactor(),
		"validUntil", ts.ValidUntil)
	return nil
}

// Watch polls the schedule until the context is cancelled. Fetch errors are
// logged; the previous snapshot keeps serving.
func (m *Manager) Watch(ctx context.Context) {
	if err := m.LoadOnce(ctx); err != nil {
		klog.ErrorS(err, "Initial schedule fetch failed")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.LoadOnce(ctx); err != nil {
				klog.ErrorS(err, "Schedule fetch failed")
			}
		}
	}
}
