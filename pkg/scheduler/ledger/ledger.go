// Package ledger implements the bounded signed quality-credit accumulator.
package ledger

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// CreditLedger tracks the running balance of target-vs-realised precision
// error. Positive balance is a quality surplus, negative a quality debt.
// The balance never leaves [creditMin, creditMax].
type CreditLedger struct {
	targetError float64
	creditMin   float64
	creditMax   float64
	window      int

	mu      sync.Mutex
	history []float64
	balance float64
}

// New returns an empty ledger. window must be at least 1.
func New(targetError, creditMin, creditMax float64, window int) *CreditLedger {
	if window < 1 {
		window = 1
	}
	return &CreditLedger{
		targetError: targetError,
		creditMin:   creditMin,
		creditMax:   creditMax,
		window:      window,
		history:     make([]float64, 0, window),
	}
}

// Update records the precision of a completed window and returns the new
// balance. The delta is targetError minus the realised error.
func (l *CreditLedger) Update(realisedPrecision float64) float64 {
	realisedError := math.Max(0, 1-realisedPrecision)
	delta := l.targetError - realisedError

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.history) == l.window {
		l.history = append(l.history[:0], l.history[1:]...)
	}
	l.history = append(l.history, delta)
	l.balance = math.Max(l.creditMin, math.Min(l.creditMax, l.balance+delta))
	return l.balance
}

// Balance returns the current credit balance.
func (l *CreditLedger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Velocity is the mean credit delta over the sliding window, 0 when empty.
func (l *CreditLedger) Velocity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.history) == 0 {
		return 0
	}
	return stat.Mean(l.history, nil)
}

// Reset clears the balance and the history window.
func (l *CreditLedger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = l.history[:0]
	l.balance = 0
}

// TargetError returns the configured error target.
func (l *CreditLedger) TargetError() float64 { return l.targetError }

// CreditMin returns the lower balance bound.
func (l *CreditLedger) CreditMin() float64 { return l.creditMin }

// CreditMax returns the upper balance bound.
func (l *CreditLedger) CreditMax() float64 { return l.creditMax }
