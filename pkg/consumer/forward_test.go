package consumer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/bus"
)

// testForwarder targets an httptest server instead of cluster DNS.
func testForwarder(url string) *Forwarder {
	f := NewForwarder("svc", "ns", 0)
	f.baseURL = url
	return f
}

func TestForwardReplaysRequest(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotHeader, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get(PrecisionHeader)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("done"))
	}))
	defer server.Close()

	envelope := bus.RequestEnvelope{
		Method:  http.MethodPost,
		Path:    "/v1/predict",
		Query:   "mode=fast",
		Headers: map[string]string{"Content-Type": "application/json", "Content-Length": "4"},
		Body:    []byte("ping"),
	}
	reply, err := testForwarder(server.URL).Forward(context.Background(), envelope, "precision-50")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1/predict", gotPath)
	assert.Equal(t, "mode=fast", gotQuery)
	assert.Equal(t, "50", gotHeader)
	assert.Equal(t, "ping", gotBody)

	assert.Equal(t, http.StatusCreated, reply.Status)
	assert.Equal(t, "text/plain", reply.Headers["Content-Type"])
	assert.NotContains(t, reply.Headers, "Content-Length")
	assert.Equal(t, []byte("done"), reply.Body)
}

func TestForwardRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	reply, err := testForwarder(server.URL).Forward(context.Background(), bus.RequestEnvelope{Method: http.MethodGet, Path: "/"}, "precision-100")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, http.StatusOK, reply.Status)
	assert.Equal(t, []byte("recovered"), reply.Body)
}

func TestForwardClientErrorsPassThrough(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	reply, err := testForwarder(server.URL).Forward(context.Background(), bus.RequestEnvelope{Method: http.MethodGet, Path: "/missing"}, "precision-100")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, http.StatusNotFound, reply.Status)
}

func TestForwardExhaustedRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		cancel()
	}))
	defer server.Close()

	_, err := testForwarder(server.URL).Forward(ctx, bus.RequestEnvelope{Method: http.MethodGet, Path: "/"}, "precision-100")
	assert.Error(t, err)
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{500, 502, 503, 504} {
		assert.True(t, retryableStatus(status), "status %d", status)
	}
	for _, status := range []int{200, 201, 400, 404, 418} {
		assert.False(t, retryableStatus(status), "status %d", status)
	}
}

func TestPrecisionHeaderValue(t *testing.T) {
	tests := []struct {
		flavour string
		want    string
	}{
		{flavour: "precision-100", want: "100"},
		{flavour: "precision-50", want: "50"},
		{flavour: "precision-high", want: "precision-high"},
		{flavour: "default", want: "default"},
		{flavour: "trailing-", want: "trailing-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, precisionHeaderValue(tt.flavour), tt.flavour)
	}
}

func TestForwarderBaseURL(t *testing.T) {
	assert.Equal(t, "http://inference.team-a.svc.cluster.local:8000", NewForwarder("inference", "team-a", 8000).baseURL)
	assert.Equal(t, "http://inference.team-a.svc.cluster.local", NewForwarder("inference", "team-a", 0).baseURL)
}
