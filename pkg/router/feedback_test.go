package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerDrainResets(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe("precision-100")
	tracker.Observe("precision-100")
	tracker.Observe("precision-50")

	counts, window := tracker.Drain()
	assert.Equal(t, map[string]float64{"precision-100": 2, "precision-50": 1}, counts)
	assert.GreaterOrEqual(t, window, 0.0)

	counts, _ = tracker.Drain()
	assert.Empty(t, counts)
}

func TestReporterPostsDrainedCounts(t *testing.T) {
	received := make(chan feedbackReport, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var report feedbackReport
		require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		received <- report
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tracker := NewTracker()
	tracker.Observe("precision-50")
	tracker.Observe("precision-50")

	reporter := NewReporter(server.URL, tracker, time.Minute)
	require.NoError(t, reporter.report(context.Background()))

	report := <-received
	assert.Equal(t, map[string]float64{"precision-50": 2}, report.FlavourCounts)
	assert.GreaterOrEqual(t, report.WindowSeconds, 0.0)
}

func TestReporterSkipsEmptyWindow(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	reporter := NewReporter(server.URL, NewTracker(), time.Minute)
	require.NoError(t, reporter.report(context.Background()))
	assert.Equal(t, 0, calls)
}

func TestReporterErrorOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tracker := NewTracker()
	tracker.Observe("precision-100")

	reporter := NewReporter(server.URL, tracker, time.Minute)
	assert.Error(t, reporter.report(context.Background()))
}
