// Package api is the REST client for the trading-data backend: quote
// snapshots, OHLCV history, and alert CRUD.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
)

// ErrNotFound is returned when the backend answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client provides access to the backend REST API. Requests are not retried;
// a failed refresh waits for the next scheduled poll.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientConfig holds HTTP transport tuning parameters.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewClient creates a new REST client.
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// GetQuotes fetches the latest quote for each symbol.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]models.Quote, error) {
	if len(symbols) == 0 {
		return []models.Quote{}, nil
	}
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))

	var quotes []models.Quote
	if err := c.do(ctx, http.MethodGet, "/quotes", q, nil, listInto(&quotes, "quotes")); err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	return quotes, nil
}

// GetOHLCV fetches candle history for symbol.
func (c *Client) GetOHLCV(ctx context.Context, symbol, interval, period string) ([]models.OHLCV, error) {
	q := url.Values{}
	if interval != "" {
		q.Set("interval", interval)
	}
	if period != "" {
		q.Set("period", period)
	}

	var bars []models.OHLCV
	if err := c.do(ctx, http.MethodGet, "/ohlcv/"+url.PathEscape(symbol), q, nil, listInto(&bars, "data")); err != nil {
		return nil, fmt.Errorf("failed to fetch ohlcv for %s: %w", symbol, err)
	}
	return bars, nil
}

// ListAlerts fetches every alert.
func (c *Client) ListAlerts(ctx context.Context) ([]models.Alert, error) {
	var list []models.Alert
	if err := c.do(ctx, http.MethodGet, "/alerts", nil, nil, listInto(&list, "alerts")); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return list, nil
}

// GetAlert fetches one alert.
func (c *Client) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	var a models.Alert
	if err := c.do(ctx, http.MethodGet, "/alerts/"+url.PathEscape(id), nil, nil, jsonInto(&a)); err != nil {
		return models.Alert{}, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return a, nil
}

// CreateAlert posts a new alert and returns the stored version.
func (c *Client) CreateAlert(ctx context.Context, a models.Alert) (models.Alert, error) {
	var out models.Alert
	if err := c.do(ctx, http.MethodPost, "/alerts", nil, a, jsonInto(&out)); err != nil {
		return models.Alert{}, fmt.Errorf("failed to create alert: %w", err)
	}
	if out.ID == "" {
		out = a
	}
	return out, nil
}

// UpdateAlert replaces an alert on the backend.
func (c *Client) UpdateAlert(ctx context.Context, a models.Alert) (models.Alert, error) {
	var out models.Alert
	if err := c.do(ctx, http.MethodPut, "/alerts/"+url.PathEscape(a.ID), nil, a, jsonInto(&out)); err != nil {
		return models.Alert{}, fmt.Errorf("failed to update alert %s: %w", a.ID, err)
	}
	if out.ID == "" {
		out = a
	}
	return out, nil
}

// DeleteAlert removes an alert on the backend.
func (c *Client) DeleteAlert(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/alerts/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to delete alert %s: %w", id, err)
	}
	return nil
}

// Health checks the backend health endpoint, which lives outside the
// versioned API prefix.
func (c *Client) Health(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return c.doURL(ctx, http.MethodGet, u.String(), "/health", nil, nil)
}

type decodeFunc func(body []byte) error

func jsonInto(v interface{}) decodeFunc {
	return func(body []byte) error {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return json.Unmarshal(body, v)
	}
}

// listInto accepts either a bare JSON array or an object wrapping the array
// under key.
func listInto[T any](dst *[]T, key string) decodeFunc {
	return func(body []byte) error {
		body = bytes.TrimSpace(body)
		if len(body) > 0 && body[0] == '[' {
			return json.Unmarshal(body, dst)
		}
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return err
		}
		raw, ok := wrapped[key]
		if !ok {
			return fmt.Errorf("response has no %q field", key)
		}
		return json.Unmarshal(raw, dst)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, decode decodeFunc) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.doURL(ctx, method, u, path, body, decode)
}

func (c *Client) doURL(ctx context.Context, method, urlStr, path string, body interface{}, decode decodeFunc) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.Debug("API request: %s %s", method, urlStr)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: snippet}
	}

	if decode == nil {
		return nil
	}
	if err := decode(data); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
