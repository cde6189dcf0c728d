package demand

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstObservationSeedsRate(t *testing.T) {
	e := NewEstimator()
	assert.False(t, e.Started())

	e.Update(30, 10)
	now, next := e.Forecast()
	assert.InDelta(t, 3.0, now, 1e-9)
	assert.InDelta(t, 3.0, next, 1e-9)
	assert.True(t, e.Started())
}

func TestExponentialSmoothing(t *testing.T) {
	e := NewEstimator()
	e.Update(100, 10) // rate 10
	e.Update(200, 10) // 0.3*20 + 0.7*10 = 13

	now, _ := e.Forecast()
	assert.InDelta(t, 13.0, now, 1e-9)
}

func TestNonPositiveWindowIgnored(t *testing.T) {
	e := NewEstimator()
	e.Update(100, 10)
	e.Update(500, 0)
	e.Update(500, -5)

	now, _ := e.Forecast()
	assert.InDelta(t, 10.0, now, 1e-9)
}

func TestEmptyForecastIsZero(t *testing.T) {
	e := NewEstimator()
	now, next := e.Forecast()
	assert.Zero(t, now)
	assert.Zero(t, next)
}
