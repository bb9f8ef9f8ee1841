// Package client talks to the relay HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultTimeout = 10 * time.Second

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay api returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}, nil
}

func (c *Client) Report(ctx context.Context, refresh bool) (json.RawMessage, error) {
	path := "/api/report"
	if refresh {
		path += "?refresh=true"
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) OptimalStrategy(ctx context.Context, refresh bool) (json.RawMessage, error) {
	path := "/api/strategy/optimal"
	if refresh {
		path += "?refresh=true"
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) ActiveStrategy(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/strategy/active", nil)
}

// Prefer sets the active strategy. An empty result means the strategy was
// already active.
func (c *Client) Prefer(ctx context.Context, strategy string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/api/strategy/active", map[string]string{"strategy": strategy})
}

func (c *Client) Statistics(ctx context.Context, strategy string) (json.RawMessage, error) {
	if strategy == "" {
		return c.do(ctx, http.MethodGet, "/api/statistics", nil)
	}
	return c.do(ctx, http.MethodGet, "/api/statistics/"+url.PathEscape(strategy), nil)
}

func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/health", nil)
}

func (c *Client) Analysis(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/health/analysis", nil)
}

func (c *Client) Switches(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/switches?limit="+strconv.Itoa(limit), nil)
}

func (c *Client) Recover(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/api/recovery", nil)
}

func (c *Client) Reset(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/reset", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call relay api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	return json.RawMessage(data), nil
}

func errorMessage(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
