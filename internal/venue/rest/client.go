package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Client is a thin JSON HTTP client shared by the venue adapters. Adapters
// attach their own authentication headers per request.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, headers http.Header, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, target, nil, "", headers, out)
}

func (c *Client) PostJSON(ctx context.Context, path string, body any, headers http.Header, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, payload, "application/json", headers, out)
}

func (c *Client) PostForm(ctx context.Context, path string, form url.Values, headers http.Header, out any) error {
	return c.do(ctx, http.MethodPost, c.baseURL+path, []byte(form.Encode()), "application/x-www-form-urlencoded", headers, out)
}

func (c *Client) Delete(ctx context.Context, path string, form url.Values, headers http.Header, out any) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+path, []byte(form.Encode()), "application/x-www-form-urlencoded", headers, out)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, contentType string, headers http.Header, out any) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetWithRetry retries idempotent reads with bounded exponential backoff.
// Writes (order placement) are never retried here; duplicate submissions are
// worse than a skipped asset.
func (c *Client) GetWithRetry(ctx context.Context, path string, query url.Values, headers http.Header, out any) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		err := c.Get(ctx, path, query, headers, out)
		if err == nil {
			return nil
		}
		if attempt == 2 {
			return fmt.Errorf("retry failed: %w", err)
		}
		if c.log != nil {
			c.log.Debug("rest read failed, retrying", zap.String("path", path), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
