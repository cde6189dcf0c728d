package consumer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/bus"
)

const (
	forwardAttempts = 5
	forwardDelay    = time.Second
	attemptTimeout  = 10 * time.Second

	// PrecisionHeader tells the target which precision level to serve.
	PrecisionHeader = "x-carbonrouter"
)

// Forwarder replays buffered requests against the real target service with
// a bounded retry policy.
type Forwarder struct {
	baseURL string
	client  *http.Client
}

// NewForwarder targets the in-cluster service DNS name. A port of 0 uses
// the service default.
func NewForwarder(service, namespace string, port int) *Forwarder {
	base := fmt.Sprintf("http://%s.%s.svc.cluster.local", service, namespace)
	if port > 0 {
		base += ":" + strconv.Itoa(port)
	}
	return &Forwarder{
		baseURL: base,
		client:  &http.Client{Timeout: attemptTimeout},
	}
}

// Forward replays one envelope and returns the target's response. Server
// errors and timeouts are retried up to forwardAttempts times with
// exponential backoff; the returned error means every attempt failed.
func (f *Forwarder) Forward(ctx context.Context, envelope bus.RequestEnvelope, flavour string) (bus.ReplyEnvelope, error) {
	var reply bus.ReplyEnvelope
	err := retry.Do(
		func() error {
			var attemptErr error
			reply, attemptErr = f.attempt(ctx, envelope, flavour)
			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(forwardAttempts),
		retry.Delay(forwardDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			klog.V(2).InfoS("Forward attempt failed, retrying",
				"attempt", n+1, "flavour", flavour, "err", err)
		}),
	)
	if err != nil {
		return bus.ReplyEnvelope{}, err
	}
	return reply, nil
}

func (f *Forwarder) attempt(ctx context.Context, envelope bus.RequestEnvelope, flavour string) (bus.ReplyEnvelope, error) {
	url := f.baseURL + envelope.Path
	if envelope.Query != "" {
		url += "?" + envelope.Query
	}

	req, err := http.NewRequestWithContext(ctx, envelope.Method, url, bytes.NewReader(envelope.Body))
	if err != nil {
		return bus.ReplyEnvelope{}, retry.Unrecoverable(fmt.Errorf("build forward request: %w", err))
	}
	for name, value := range envelope.Headers {
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		req.Header.Set(name, value)
	}
	req.Header.Set(PrecisionHeader, precisionHeaderValue(flavour))

	resp, err := f.client.Do(req)
	if err != nil {
		return bus.ReplyEnvelope{}, fmt.Errorf("forward to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if retryableStatus(resp.StatusCode) {
		io.Copy(io.Discard, resp.Body)
		return bus.ReplyEnvelope{}, fmt.Errorf("forward to %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return bus.ReplyEnvelope{}, fmt.Errorf("read forward response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if strings.EqualFold(name, "Content-Length") || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}
	return bus.ReplyEnvelope{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// precisionHeaderValue reduces "precision-<n>" flavour names to their bare
// precision number; anything else passes through unchanged.
func precisionHeaderValue(flavour string) string {
	idx := strings.LastIndex(flavour, "-")
	if idx < 0 || idx == len(flavour)-1 {
		return flavour
	}
	suffix := flavour[idx+1:]
	if _, err := strconv.Atoi(suffix); err != nil {
		return flavour
	}
	return suffix
}
