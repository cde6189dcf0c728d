// Package carbon fetches and caches the carbon-intensity forecast.
package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

const (
	stampLayout      = "2006-01-02T15:04Z07:00"
	staleGrace       = 30 * time.Minute
	scheduleCacheKey = "schedule"
)

// Provider is a client for the half-hourly carbon intensity forecast API
// with a legacy flat-forecast fallback. Fetched schedules are cached for the
// configured TTL.
type Provider struct {
	baseURL string
	target  string
	client  *http.Client
	cache   *gocache.Cache
	now     func() time.Time
}

// NewProvider builds a provider for the given base URL and carbon target
// ("national", "region:<id>" or "postcode:<pc>").
func NewProvider(baseURL, target string, timeout, cacheTTL time.Duration) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		target:  target,
		client:  &http.Client{Timeout: timeout},
		cache:   gocache.New(cacheTTL, 2*cacheTTL),
		now:     time.Now,
	}
}

// Snapshot returns the current forecast picture. It never fails: when both
// the forward API and the legacy fallback are unavailable the snapshot is
// empty and policies degrade to their base behaviour.
func (p *Provider) Snapshot(ctx context.Context) model.ForecastSnapshot {
	now := p.now().UTC()
	snapshot := model.ForecastSnapshot{GeneratedAt: now}

	schedule, err := p.schedule(ctx, now)
	if err != nil || len(schedule) == 0 {
		if err != nil {
			klog.V(2).InfoS("Forward forecast unavailable, trying legacy endpoint", "err", err)
		}
		intensityNow, intensityNext, legacyErr := p.legacyForecast(ctx)
		if legacyErr != nil {
			klog.ErrorS(legacyErr, "Carbon forecast unavailable", "target", p.target)
			return snapshot
		}
		snapshot.IntensityNow = intensityNow
		snapshot.IntensityNext = intensityNext
		return snapshot
	}

	snapshot.Schedule = schedule
	snapshot.IntensityNow = schedule[0].Forecast
	snapshot.IndexNow = schedule[0].Index
	next := schedule[0]
	if len(schedule) > 1 {
		next = schedule[1]
	}
	snapshot.IntensityNext = next.Forecast
	snapshot.IndexNext = next.Index
	return snapshot
}

func (p *Provider) schedule(ctx context.Context, now time.Time) ([]model.ForecastPoint, error) {
	if cached, found := p.cache.Get(scheduleCacheKey); found {
		return cached.([]model.ForecastPoint), nil
	}

	points, err := p.fetchSchedule(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(points) > 0 {
		p.cache.SetDefault(scheduleCacheKey, points)
	}
	return points, nil
}

type forecastResponse struct {
	Data []struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Intensity struct {
			Forecast *float64 `json:"forecast"`
			Actual   *float64 `json:"actual"`
			Index    string   `json:"index"`
		} `json:"intensity"`
	} `json:"data"`
}

func (p *Provider) fetchSchedule(ctx context.Context, now time.Time) ([]model.ForecastPoint, error) {
	url, err := p.forecastURL(now)
	if err != nil {
		return nil, err
	}

	body, err := p.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var parsed forecastResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("malformed forecast response: %w", err)
	}

	cutoff := now.Add(-staleGrace)
	points := make([]model.ForecastPoint, 0, len(parsed.Data))
	for _, record := range parsed.Data {
		start, err := parseStamp(record.From)
		if err != nil {
			klog.V(3).InfoS("Skipping forecast record with bad start", "from", record.From, "err", err)
			continue
		}
		end, err := parseStamp(record.To)
		if err != nil {
			klog.V(3).InfoS("Skipping forecast record with bad end", "to", record.To, "err", err)
			continue
		}
		if end.Before(cutoff) {
			continue
		}
		points = append(points, model.ForecastPoint{
			Start:    start,
			End:      end,
			Forecast: record.Intensity.Forecast,
			Index:    record.Intensity.Index,
		})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Start.Before(points[j].Start) })
	return points, nil
}

func (p *Provider) forecastURL(now time.Time) (string, error) {
	stamp := now.Truncate(time.Minute).Format(stampLayout)
	switch {
	case p.target == "" || p.target == "national":
		return fmt.Sprintf("%s/intensity/%s/fw48h", p.baseURL, stamp), nil
	case strings.HasPrefix(p.target, "region:"):
		id := strings.TrimPrefix(p.target, "region:")
		return fmt.Sprintf("%s/regional/intensity/%s/fw48h/regionid/%s", p.baseURL, stamp, id), nil
	case strings.HasPrefix(p.target, "postcode:"):
		pc := strings.TrimPrefix(p.target, "postcode:")
		return fmt.Sprintf("%s/regional/intensity/%s/fw48h/postcode/%s", p.baseURL, stamp, pc), nil
	default:
		return "", fmt.Errorf("unsupported carbon target: %s", p.target)
	}
}

type legacyResponse struct {
	Current       *float64 `json:"current"`
	IntensityNow  *float64 `json:"intensity_now"`
	Next          *float64 `json:"next"`
	IntensityNext *float64 `json:"intensity_next"`
}

func (p *Provider) legacyForecast(ctx context.Context) (*float64, *float64, error) {
	body, err := p.get(ctx, p.baseURL+"/forecast")
	if err != nil {
		return nil, nil, err
	}

	var parsed legacyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("malformed legacy forecast: %w", err)
	}

	current := parsed.Current
	if current == nil {
		current = parsed.IntensityNow
	}
	next := parsed.Next
	if next == nil {
		next = parsed.IntensityNext
	}
	return current, next, nil
}

func (p *Provider) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("carbon API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("carbon API returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseStamp(s string) (time.Time, error) {
	if t, err := time.Parse(stampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
