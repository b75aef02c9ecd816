// Package backend is the HTTP client for the forecast backend that stores
// forecasts and resolutions and computes per-source accuracy.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rewired-gh/polytracker/internal/models"
)

// Endpoint names, used as metric labels.
const (
	EndpointForecasts   = "forecasts"
	EndpointResolutions = "resolutions"
	EndpointAccuracy    = "accuracy"
	EndpointCollect     = "collect"
)

// StartDateLayout is the format of the collection start date.
const StartDateLayout = "2006-01-02"

// StatusError is returned for non-retryable HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Observer is notified of every request outcome.
type Observer interface {
	ObserveRequest(endpoint string, err error)
}

// ClientConfig tunes retries and the underlying transport.
type ClientConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
	Observer       Observer
}

// Client provides access to the forecast backend API
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
	observer       Observer
}

// NewClient creates a new backend client
func NewClient(baseURL string, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		observer:       cfg.Observer,
	}
}

// FetchForecasts retrieves forecasts grouped by source.
func (c *Client) FetchForecasts(ctx context.Context) (map[string][]models.ForecastPoint, error) {
	var grouped map[string][]models.ForecastPoint
	if err := c.getJSON(ctx, EndpointForecasts, "/weather/forecasts", &grouped); err != nil {
		return nil, fmt.Errorf("failed to fetch forecasts: %w", err)
	}
	if grouped == nil {
		grouped = map[string][]models.ForecastPoint{}
	}
	return grouped, nil
}

// FetchResolutions retrieves observed daily highs.
func (c *Client) FetchResolutions(ctx context.Context) ([]models.ResolutionPoint, error) {
	var resolutions []models.ResolutionPoint
	if err := c.getJSON(ctx, EndpointResolutions, "/weather/resolutions", &resolutions); err != nil {
		return nil, fmt.Errorf("failed to fetch resolutions: %w", err)
	}
	if resolutions == nil {
		resolutions = []models.ResolutionPoint{}
	}
	return resolutions, nil
}

// FetchAccuracy retrieves per-source accuracy summaries, sorted by the backend
// by mae ascending.
func (c *Client) FetchAccuracy(ctx context.Context) ([]models.AccuracySummary, error) {
	var summaries []models.AccuracySummary
	if err := c.getJSON(ctx, EndpointAccuracy, "/weather/accuracy", &summaries); err != nil {
		return nil, fmt.Errorf("failed to fetch accuracy: %w", err)
	}
	if summaries == nil {
		summaries = []models.AccuracySummary{}
	}
	return summaries, nil
}

// TriggerCollection asks the backend to collect forecasts starting at startDate
// (YYYY-MM-DD). The backend acknowledges before collection completes.
func (c *Client) TriggerCollection(ctx context.Context, startDate string) error {
	if _, err := time.Parse(StartDateLayout, startDate); err != nil {
		return fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	body, err := json.Marshal(map[string]string{"startDate": startDate})
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/weather/collect", body)
	c.observe(EndpointCollect, err)
	if err != nil {
		return fmt.Errorf("failed to trigger collection: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.observe(endpoint, err)
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		err = fmt.Errorf("failed to decode %s: %w", endpoint, err)
		c.observe(endpoint, err)
		return err
	}
	c.observe(endpoint, nil)
	return nil
}

func (c *Client) observe(endpoint string, err error) {
	if c.observer != nil {
		c.observer.ObserveRequest(endpoint, err)
	}
}

// doRequest performs HTTP request with retry logic. Transport errors and 5xx
// responses are retried with linear backoff; other non-2xx responses are not.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, body []byte) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			if err := sleep(ctx, c.retryDelayBase*time.Duration(i)); err != nil {
				return nil, err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
