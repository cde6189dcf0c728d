package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/bus"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/schedule"
)

type publishedMsg struct {
	flavour       string
	correlationID string
	expiration    time.Duration
	body          []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
	err       error
	onPublish func(publishedMsg)
}

func (f *fakePublisher) Publish(_ context.Context, flavour, correlationID string, expiration time.Duration, body []byte) error {
	if f.err != nil {
		return f.err
	}
	msg := publishedMsg{flavour: flavour, correlationID: correlationID, expiration: expiration, body: body}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	if f.onPublish != nil {
		f.onPublish(msg)
	}
	return nil
}

func (f *fakePublisher) all() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMsg(nil), f.published...)
}

func newScheduleManager(t *testing.T, body string) *schedule.Manager {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	m := schedule.NewManager(server.URL, time.Minute)
	require.NoError(t, m.LoadOnce(context.Background()))
	return m
}

const testSchedule = `{
	"flavourRules": [
		{"flavourName": "precision-100", "precision": 100, "weight": 60, "deadlineSec": 5},
		{"flavourName": "precision-50", "precision": 50, "weight": 40, "deadlineSec": 5}
	],
	"validUntil": "2099-01-01T00:00:00Z"
}`

func TestRouterForcedFlavour(t *testing.T) {
	fp := &fakePublisher{}
	rt := New("team-a", "inference", newScheduleManager(t, testSchedule), fp)
	fp.onPublish = func(msg publishedMsg) {
		rt.Resolve(msg.correlationID, bus.ReplyEnvelope{
			Status:  200,
			Headers: map[string]string{"Content-Type": "text/plain"},
			Body:    []byte("pong"),
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/predict?mode=fast", strings.NewReader("ping"))
	req.Header.Set(ForcedHeader, "precision-50")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		RequestsTotal.WithLabelValues("POST", "200", "queue", "precision-50", "True")))

	published := fp.all()
	require.Len(t, published, 1)
	assert.Equal(t, "precision-50", published[0].flavour)
	assert.Equal(t, 5*time.Second, published[0].expiration)

	envelope, err := bus.DecodeRequest(published[0].body)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, envelope.Method)
	assert.Equal(t, "/v1/predict", envelope.Path)
	assert.Equal(t, "mode=fast", envelope.Query)
	assert.True(t, envelope.Forced)
	assert.Equal(t, []byte("ping"), envelope.Body)
}

func TestRouterUnknownForcedFlavourFallsBackToWeights(t *testing.T) {
	fp := &fakePublisher{}
	rt := New("team-a", "inference", newScheduleManager(t, testSchedule), fp)
	fp.onPublish = func(msg publishedMsg) {
		rt.Resolve(msg.correlationID, bus.ReplyEnvelope{Status: 200})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ForcedHeader, "precision-1")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	published := fp.all()
	require.Len(t, published, 1)
	assert.Contains(t, []string{"precision-100", "precision-50"}, published[0].flavour)

	// The pin was not honoured, so the envelope carries no forced mark.
	envelope, err := bus.DecodeRequest(published[0].body)
	require.NoError(t, err)
	assert.False(t, envelope.Forced)
}

func TestRouterUrgentHeaderPropagated(t *testing.T) {
	fp := &fakePublisher{}
	rt := New("team-a", "inference", newScheduleManager(t, testSchedule), fp)
	fp.onPublish = func(msg publishedMsg) {
		rt.Resolve(msg.correlationID, bus.ReplyEnvelope{Status: 200})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UrgentHeader, "1")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	envelope, err := bus.DecodeRequest(fp.all()[0].body)
	require.NoError(t, err)
	assert.Equal(t, "1", envelope.Headers[UrgentHeader])
}

func TestRouterReplyTimeout(t *testing.T) {
	fp := &fakePublisher{}
	body := `{
		"flavourRules": [{"flavourName": "precision-100", "weight": 100, "deadlineSec": 1}],
		"validUntil": "2099-01-01T00:00:00Z"
	}`
	rt := New("team-a", "inference", newScheduleManager(t, body), fp)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, 0, rt.pending.Len())

	// A late reply for the abandoned id is discarded without effect.
	published := fp.all()
	require.Len(t, published, 1)
	rt.Resolve(published[0].correlationID, bus.ReplyEnvelope{Status: 200})
	assert.Equal(t, 0, rt.pending.Len())
}

func TestRouterPublishFailure(t *testing.T) {
	fp := &fakePublisher{err: errors.New("broker gone")}
	rt := New("team-a", "inference", newScheduleManager(t, testSchedule), fp)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 0, rt.pending.Len())
}

func TestRouterStripsContentLengthFromReply(t *testing.T) {
	fp := &fakePublisher{}
	rt := New("team-a", "inference", newScheduleManager(t, testSchedule), fp)
	fp.onPublish = func(msg publishedMsg) {
		rt.Resolve(msg.correlationID, bus.ReplyEnvelope{
			Status: 200,
			Headers: map[string]string{
				"Content-Length": "9999",
				"Content-Type":   "application/json",
			},
			Body: []byte(`{}`),
		})
	}

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEqual(t, "9999", rec.Header().Get("Content-Length"))
}

func TestRouterFeedbackObservedOnReply(t *testing.T) {
	fp := &fakePublisher{}
	rt := New("team-a", "inference", newScheduleManager(t, testSchedule), fp)
	fp.onPublish = func(msg publishedMsg) {
		rt.Resolve(msg.correlationID, bus.ReplyEnvelope{Status: 200})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ForcedHeader, "precision-100")
	rt.ServeHTTP(httptest.NewRecorder(), req)

	counts, _ := rt.Feedback().Drain()
	assert.Equal(t, map[string]float64{"precision-100": 1}, counts)
}

func TestPendingMapLifecycle(t *testing.T) {
	p := newPendingMap()

	ch := p.Add("id-1")
	assert.Equal(t, 1, p.Len())

	require.True(t, p.Resolve("id-1", bus.ReplyEnvelope{Status: 204}))
	assert.Equal(t, 0, p.Len())
	reply := <-ch
	assert.Equal(t, 204, reply.Status)

	assert.False(t, p.Resolve("id-1", bus.ReplyEnvelope{Status: 200}))

	p.Add("id-2")
	p.Remove("id-2")
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.Resolve("id-2", bus.ReplyEnvelope{Status: 200}))
}
