// Package demand estimates the request rate with exponential smoothing.
package demand

import "sync"

const alpha = 0.3

// Estimator keeps an exponentially weighted moving average of the observed
// request rate in requests per second.
type Estimator struct {
	mu      sync.Mutex
	rate    float64
	started bool
}

// NewEstimator returns an estimator with no observations.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Update folds one observation window into the running rate.
// windowSeconds must be positive; non-positive windows are ignored.
func (e *Estimator) Update(requestCount float64, windowSeconds float64) {
	if windowSeconds <= 0 {
		return
	}
	observed := requestCount / windowSeconds

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		e.rate = observed
		e.started = true
		return
	}
	e.rate = alpha*observed + (1-alpha)*e.rate
}

// Forecast returns the current and next-horizon rate estimates. There is no
// separate next-horizon model; both values are the smoothed current rate.
func (e *Estimator) Forecast() (now, next float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate, e.rate
}

// Started reports whether at least one window has been observed.
func (e *Estimator) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}
