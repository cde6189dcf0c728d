package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *Registry) {
	t.Helper()
	registry := NewRegistry(func(namespace, name string) (*Session, error) {
		return NewSession(namespace, name, newTestConfig())
	})
	t.Cleanup(registry.Close)
	return NewServer(registry, "default", "default"), registry
}

// addStoppedSession registers a session without starting its workers so
// tests can drive it deterministically.
func addStoppedSession(t *testing.T, registry *Registry, namespace, name string) *Session {
	t.Helper()
	session, err := NewSession(namespace, name, newTestConfig())
	require.NoError(t, err)
	registry.mu.Lock()
	registry.sessions[sessionKey(namespace, name)] = session
	registry.mu.Unlock()
	return session
}

func doRequest(server *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestGetScheduleUnknownSession(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/schedule/nowhere/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSchedulePending(t *testing.T) {
	server, registry := newTestServer(t)
	addStoppedSession(t, registry, "default", "default")

	rec := doRequest(server, http.MethodGet, "/schedule", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"pending"}`, rec.Body.String())
}

func TestGetScheduleAfterTick(t *testing.T) {
	server, registry := newTestServer(t)
	session := addStoppedSession(t, registry, "team-a", "svc")
	session.tick()

	rec := doRequest(server, http.MethodGet, "/schedule/team-a/svc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var decision map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Contains(t, decision, "flavourWeights")
	assert.Contains(t, decision, "credits")
	assert.Contains(t, decision, "processing")
}

func TestSetScheduleRejectsNonObject(t *testing.T) {
	server, _ := newTestServer(t)

	for _, body := range []string{`[1, 2]`, `"schedule"`, `42`, ``} {
		rec := doRequest(server, http.MethodPost, "/setschedule", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestSetSchedulePinsManual(t *testing.T) {
	server, registry := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/setschedule",
		`{"flavourWeights": {"precision-100": 100}, "processingThrottle": 0.5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	session, ok := registry.Get("default", "default")
	require.True(t, ok)
	schedule, ready := session.Schedule()
	require.True(t, ready)
	manual, ok := schedule.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.5, manual["processingThrottle"])
}

func TestManualForNamedSessionCreatesIt(t *testing.T) {
	server, registry := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/schedule/team-a/svc/manual",
		`{"flavourWeights": {"precision-50": 100}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, ok := registry.Get("team-a", "svc")
	assert.True(t, ok)

	get := doRequest(server, http.MethodGet, "/schedule/team-a/svc", "")
	assert.Equal(t, http.StatusOK, get.Code)
}

func TestConfigOverrides(t *testing.T) {
	server, registry := newTestServer(t)

	rec := doRequest(server, http.MethodPut, "/config/team-a/svc",
		`{"policy": "p100", "validFor": 10}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	session, ok := registry.Get("team-a", "svc")
	require.True(t, ok)
	session.mu.RLock()
	defer session.mu.RUnlock()
	assert.Equal(t, "p100", session.engine.Config().PolicyName)
	assert.Equal(t, 10*time.Second, session.engine.Config().ValidFor)
}

func TestConfigOverridesInvalidValue(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(server, http.MethodPut, "/config/team-a/svc", `{"targetError": 5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedbackUnknownSession(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/feedback/nowhere/nothing",
		`{"flavourCounts": {"precision-100": 5}, "windowSeconds": 10}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeedbackRecorded(t *testing.T) {
	server, registry := newTestServer(t)
	session := addStoppedSession(t, registry, "team-a", "svc")

	rec := doRequest(server, http.MethodPost, "/feedback/team-a/svc",
		`{"flavourCounts": {"precision-100": 20}, "windowSeconds": 10}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	session.mu.RLock()
	engine := session.engine
	session.mu.RUnlock()
	forecast := engine.Forecast(context.Background())
	require.NotNil(t, forecast.DemandNow)
	assert.InDelta(t, 2.0, *forecast.DemandNow, 1e-9)
}

func TestFeedbackMalformedBody(t *testing.T) {
	server, registry := newTestServer(t)
	addStoppedSession(t, registry, "team-a", "svc")

	for _, body := range []string{`{}`, `{"flavourCounts": {}}`, `not json`} {
		rec := doRequest(server, http.MethodPost, "/feedback/team-a/svc", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}
