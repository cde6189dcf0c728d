// Package router implements the buffering reverse proxy: it classifies each
// request against the traffic schedule, publishes it to the broker and
// correlates the asynchronous reply.
package router

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/bus"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/schedule"
)

const (
	// ForcedHeader lets a client pin the flavour its request is queued on.
	ForcedHeader = "x-carbonrouter"
	// UrgentHeader marks an urgent request; the marker is propagated to the
	// target service alongside the other headers.
	UrgentHeader = "x-carbonrouter-urgent"

	queueType = "queue"
)

// Publisher sends one encoded request envelope to the broker.
type Publisher interface {
	Publish(ctx context.Context, flavour, correlationID string, expiration time.Duration, body []byte) error
}

// Router buffers inbound HTTP requests through the broker.
type Router struct {
	namespace string
	service   string
	schedules *schedule.Manager
	chooser   *schedule.Chooser
	pending   *pendingMap
	publisher Publisher
	feedback  *Tracker
}

// New creates a router for one target service.
func New(namespace, service string, schedules *schedule.Manager, publisher Publisher) *Router {
	return &Router{
		namespace: namespace,
		service:   service,
		schedules: schedules,
		chooser:   schedule.NewChooser(),
		pending:   newPendingMap(),
		publisher: publisher,
		feedback:  NewTracker(),
	}
}

// Feedback exposes the per-flavour completion tracker.
func (rt *Router) Feedback() *Tracker { return rt.feedback }

// ServeHTTP buffers one request: pick a flavour, publish, await the reply.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ts := rt.schedules.Snapshot()

	reject := func(status int, flavour string, forced bool) {
		http.Error(w, http.StatusText(status), status)
		rt.observe(r.Method, status, flavour, forced, start)
	}

	forced := false
	flavour := ""
	if pinned := r.Header.Get(ForcedHeader); pinned != "" && ts.HasFlavour(pinned) {
		flavour = pinned
		forced = true
	}
	if flavour == "" {
		picked, err := rt.chooser.Pick(ts.Weights())
		if err != nil {
			klog.ErrorS(err, "No routable flavour", "namespace", rt.namespace, "service", rt.service)
			reject(http.StatusServiceUnavailable, flavour, forced)
			return
		}
		flavour = picked
	}
	deadline := time.Duration(ts.DeadlineSec(flavour)) * time.Second

	body, err := io.ReadAll(r.Body)
	if err != nil {
		reject(http.StatusBadRequest, flavour, forced)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	if r.Header.Get(UrgentHeader) != "" {
		headers[UrgentHeader] = "1"
	}

	envelope := bus.RequestEnvelope{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Forced:  forced,
		Body:    body,
	}
	encoded, err := envelope.Encode()
	if err != nil {
		klog.ErrorS(err, "Envelope encoding failed")
		reject(http.StatusInternalServerError, flavour, forced)
		return
	}

	correlationID := uuid.NewString()
	replyCh := rt.pending.Add(correlationID)

	if err := rt.publisher.Publish(r.Context(), flavour, correlationID, deadline, encoded); err != nil {
		rt.pending.Remove(correlationID)
		klog.ErrorS(err, "Publish failed", "flavour", flavour, "correlationID", correlationID)
		reject(http.StatusBadGateway, flavour, forced)
		return
	}
	MessagesPublished.WithLabelValues(bus.QueueName(rt.namespace, rt.service, flavour)).Inc()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		rt.writeReply(w, reply)
		rt.feedback.Observe(flavour)
		rt.observe(r.Method, reply.Status, flavour, forced, start)
	case <-timer.C:
		rt.pending.Remove(correlationID)
		klog.V(2).InfoS("Reply timed out",
			"flavour", flavour, "correlationID", correlationID, "deadline", deadline)
		reject(http.StatusGatewayTimeout, flavour, forced)
	case <-r.Context().Done():
		rt.pending.Remove(correlationID)
		rt.observe(r.Method, http.StatusGatewayTimeout, flavour, forced, start)
	}
}

// Resolve hands a broker reply to its waiting request. Late replies are
// discarded.
func (rt *Router) Resolve(correlationID string, reply bus.ReplyEnvelope) {
	if !rt.pending.Resolve(correlationID, reply) {
		klog.V(3).InfoS("Discarding late reply", "correlationID", correlationID)
	}
}

func (rt *Router) writeReply(w http.ResponseWriter, reply bus.ReplyEnvelope) {
	for name, value := range reply.Headers {
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		w.Header().Set(name, value)
	}
	w.WriteHeader(reply.Status)
	if _, err := w.Write(reply.Body); err != nil {
		klog.ErrorS(err, "Response write failed")
	}
}

func (rt *Router) observe(method string, status int, flavour string, forced bool, start time.Time) {
	RequestsTotal.WithLabelValues(method, strconv.Itoa(status), queueType, flavour, forcedLabel(forced)).Inc()
	RequestDuration.WithLabelValues(queueType, flavour).Observe(time.Since(start).Seconds())
}
