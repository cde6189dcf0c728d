package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleUnseededAdmitsFactorOneConcurrency(t *testing.T) {
	// Before the first refresh the limiter must behave like factor one:
	// admit up to perQueue per flavour without blocking, for any flavour
	// count.
	throttle := NewProcessingThrottle(10, 3.0, 1)
	for i := 0; i < 30; i++ {
		require.True(t, throttle.Acquire(), "acquire %d blocked on unseeded limiter", i)
	}
	assert.Equal(t, 30, throttle.Inflight())

	throttle.SetFactor(1.0, 3)
	assert.Equal(t, 30, throttle.Limit())
}

func TestThrottleRefresherSeedsBeforeFirstTick(t *testing.T) {
	m := newScheduleManager(t, `{
		"flavourWeights": {"precision-100": 100},
		"processingThrottle": 0.5,
		"validUntil": "2099-01-01T00:00:00Z"
	}`)
	throttle := NewProcessingThrottle(10, 3.0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunThrottleRefresher(ctx, throttle, m, time.Minute)
		close(done)
	}()

	// 10 * 0.5^3 = 1.25, floored to 1, applied well before the first tick.
	assert.Eventually(t, func() bool { return throttle.Limit() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestThrottleLimitFromFactor(t *testing.T) {
	tests := []struct {
		name     string
		factor   float64
		flavours int
		want     int
	}{
		{name: "inert at factor one", factor: 1.0, flavours: 1, want: 10},
		{name: "inert near one", factor: 0.999, flavours: 1, want: 10},
		{name: "cubic shrink", factor: 0.5, flavours: 1, want: 1},
		{name: "floor at min inflight", factor: 0.2, flavours: 1, want: 1},
		{name: "zero keeps liveness", factor: 0.0, flavours: 1, want: 1},
		{name: "scales with flavours", factor: 1.0, flavours: 3, want: 30},
		{name: "cubic with flavours", factor: 0.8, flavours: 3, want: 15},
		{name: "clamped above", factor: 1.7, flavours: 1, want: 10},
		{name: "clamped below", factor: -0.3, flavours: 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			throttle := NewProcessingThrottle(10, 3.0, 1)
			throttle.SetFactor(tt.factor, tt.flavours)
			assert.Equal(t, tt.want, throttle.Limit())
		})
	}
}

func TestThrottleLimitMonotoneInFactor(t *testing.T) {
	previous := 0
	for factor := 0.0; factor <= 1.0; factor += 0.05 {
		throttle := NewProcessingThrottle(32, 3.0, 1)
		throttle.SetFactor(factor, 2)
		limit := throttle.Limit()
		assert.GreaterOrEqual(t, limit, previous, "factor %.2f", factor)
		previous = limit
	}
}

func TestThrottleBlocksAtLimit(t *testing.T) {
	throttle := NewProcessingThrottle(10, 3.0, 1)
	throttle.SetFactor(0.2, 1)
	require.Equal(t, 1, throttle.Limit())

	require.True(t, throttle.Acquire())
	assert.Equal(t, 1, throttle.Inflight())

	admitted := make(chan struct{})
	go func() {
		throttle.Acquire()
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("second acquire should have blocked at limit 1")
	case <-time.After(50 * time.Millisecond):
	}

	throttle.Release()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after release")
	}
}

func TestThrottleLimitIncreaseWakesWaiters(t *testing.T) {
	throttle := NewProcessingThrottle(10, 3.0, 1)
	throttle.SetFactor(0.2, 1)
	require.True(t, throttle.Acquire())

	const waiters = 5
	admitted := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			if throttle.Acquire() {
				admitted <- struct{}{}
			}
		}()
	}

	select {
	case <-admitted:
		t.Fatal("waiters admitted while limit is 1")
	case <-time.After(50 * time.Millisecond):
	}

	// Stepping back to factor 1 lifts the limit and frees every waiter.
	throttle.SetFactor(1.0, 1)
	for i := 0; i < waiters; i++ {
		select {
		case <-admitted:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d still parked after limit increase", i)
		}
	}
	assert.Equal(t, waiters+1, throttle.Inflight())
}

func TestThrottleNeverOverAdmits(t *testing.T) {
	throttle := NewProcessingThrottle(4, 3.0, 1)
	throttle.SetFactor(1.0, 1)

	for i := 0; i < 4; i++ {
		require.True(t, throttle.Acquire())
	}
	assert.Equal(t, throttle.Limit(), throttle.Inflight())

	blocked := make(chan struct{})
	go func() {
		throttle.Acquire()
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("acquire beyond the limit succeeded")
	case <-time.After(50 * time.Millisecond):
	}

	throttle.Release()
	<-blocked
}

func TestThrottleCloseFailsAcquire(t *testing.T) {
	throttle := NewProcessingThrottle(1, 3.0, 1)
	throttle.SetFactor(1.0, 1)
	require.True(t, throttle.Acquire())

	result := make(chan bool, 1)
	go func() { result <- throttle.Acquire() }()

	time.Sleep(20 * time.Millisecond)
	throttle.Close()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("closed throttle did not release its waiter")
	}
	assert.False(t, throttle.Acquire())
}
