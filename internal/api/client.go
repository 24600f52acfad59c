package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError is a non-2xx response.
type StatusError struct {
	URL    string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Detail)
}

// Client talks to a running amnesia server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL, e.g. "http://localhost:9090".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Health returns nil when the server answers /health with 200.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Shards lists every shard with its serving state.
func (c *Client) Shards(ctx context.Context) ([]ShardStatus, error) {
	var out []ShardStatus
	if err := c.do(ctx, http.MethodGet, "/shards", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict returns the ensemble distribution for input.
func (c *Client) Predict(ctx context.Context, input []float64) (PredictResponse, error) {
	var out PredictResponse
	err := c.do(ctx, http.MethodPost, "/predict", PredictRequest{Input: input}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, Code: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
