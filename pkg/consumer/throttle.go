// Package consumer dispatches buffered requests from the per-flavour queues
// to the target service under a schedule-driven processing throttle.
package consumer

import (
	"context"
	"math"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/schedule"
)

// ProcessingThrottle is a dynamic in-flight limiter. The limit follows the
// schedule's throttle factor through factor^exponent, so the admitted load
// tracks the replica ceilings superlinearly.
type ProcessingThrottle struct {
	mu          sync.Mutex
	cond        *sync.Cond
	limit       int
	inflight    int
	factor      float64
	perQueue    int
	exponent    float64
	minInflight int
	closed      bool
}

// NewProcessingThrottle creates a limiter that admits freely until the first
// SetFactor call seeds it from the schedule. An unseeded limiter must behave
// like factor one, and the per-queue semaphores already cap concurrency at
// that point.
func NewProcessingThrottle(perQueue int, exponent float64, minInflight int) *ProcessingThrottle {
	if perQueue < 1 {
		perQueue = 1
	}
	if minInflight < 1 {
		minInflight = 1
	}
	t := &ProcessingThrottle{
		limit:       math.MaxInt,
		factor:      1.0,
		perQueue:    perQueue,
		exponent:    exponent,
		minInflight: minInflight,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// SetFactor applies a new throttle factor for the given flavour count.
// A factor of 1 leaves the limiter inert; a factor of 0 still admits
// minInflight so liveness is preserved. Waiters are woken when the limit
// changes.
func (t *ProcessingThrottle) SetFactor(factor float64, flavourCount int) {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	if flavourCount < 1 {
		flavourCount = 1
	}

	maxConcurrency := t.perQueue * flavourCount
	limit := maxConcurrency
	if factor < 0.999 {
		limit = int(math.Round(float64(maxConcurrency) * math.Pow(factor, t.exponent)))
		if limit < t.minInflight {
			limit = t.minInflight
		}
	}

	t.mu.Lock()
	changed := limit != t.limit || factor != t.factor
	t.limit = limit
	t.factor = factor
	t.mu.Unlock()
	if changed {
		t.cond.Broadcast()
		klog.V(2).InfoS("Throttle updated", "factor", factor, "limit", limit, "flavours", flavourCount)
	}
}

// Acquire blocks until an in-flight slot is free. It returns false once the
// throttle is closed.
func (t *ProcessingThrottle) Acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.inflight >= t.limit && !t.closed {
		t.cond.Wait()
	}
	if t.closed {
		return false
	}
	t.inflight++
	return true
}

// Release frees one in-flight slot.
func (t *ProcessingThrottle) Release() {
	t.mu.Lock()
	t.inflight--
	t.mu.Unlock()
	t.cond.Signal()
}

// Close wakes every waiter and fails further Acquire calls.
func (t *ProcessingThrottle) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Limit returns the current in-flight cap.
func (t *ProcessingThrottle) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// Inflight returns the current in-flight count.
func (t *ProcessingThrottle) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight
}

// Factor returns the last applied throttle factor.
func (t *ProcessingThrottle) Factor() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.factor
}

// RunThrottleRefresher feeds the limiter from the schedule until the context
// is cancelled. The limiter is seeded immediately so consuming never starts
// against an unseeded cap.
func RunThrottleRefresher(ctx context.Context, throttle *ProcessingThrottle, schedules *schedule.Manager, interval time.Duration) {
	refresh := func() {
		ts := schedules.Snapshot()
		throttle.SetFactor(ts.ThrottleFactor(), len(ts.Flavours()))

		ThrottleFactor.WithLabelValues("global").Set(throttle.Factor())
		InflightLimit.WithLabelValues("global").Set(float64(throttle.Limit()))
		InflightActive.WithLabelValues("global").Set(float64(throttle.Inflight()))
	}
	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
