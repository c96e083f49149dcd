// Package weather fetches forecasts from the Open-Meteo API.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quillchat/quill/internal/log"
)

// DefaultBaseURL is the public Open-Meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// maxResponseSize caps the forecast payload read (prevents resource
// exhaustion on a misbehaving endpoint).
const maxResponseSize int64 = 1 << 20 // 1 MiB

// Client queries the Open-Meteo forecast API.
// The zero BaseURL means DefaultBaseURL; tests point it at an httptest
// server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     log.Logger
}

// New creates a weather client with a 10s request timeout.
func New(logger log.Logger) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Logger:     logger,
	}
}

// Forecast returns the raw forecast payload for a coordinate: current
// temperature, hourly temperatures and daily sunrise/sunset, in the
// location's own timezone. The payload is passed through to the model
// untyped; its shape belongs to Open-Meteo, not to us.
func (c *Client) Forecast(ctx context.Context, latitude, longitude float64) (map[string]any, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m")
	q.Set("hourly", "temperature_2m")
	q.Set("daily", "sunrise,sunset")
	q.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building forecast request: %w", err)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching forecast: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading forecast response: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding forecast response: %w", err)
	}

	if c.Logger != nil {
		c.Logger.Debug("fetched forecast", "latitude", latitude, "longitude", longitude)
	}
	return payload, nil
}
