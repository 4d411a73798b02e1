package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type HTTPClient struct {
	Client  *http.Client
	Retries int
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewHTTPClient(retries int, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Retries: retries,
		Timeout: timeout,
		Logger:  slog.Default(),
	}
}

// GetJSON issues an authenticated GET and returns the response body.
// Retries on transport errors and 5xx with exponential backoff; 4xx is
// returned to the caller untouched so it can distinguish 404 from 401.
func (c *HTTPClient) GetJSON(ctx context.Context, url, bearerToken string) (int, []byte, error) {
	var lastErr error

	for i := 0; i <= c.Retries; i++ {
		req, rErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if rErr != nil {
			return 0, nil, rErr
		}
		req.Header.Set("Accept", "application/json")
		if bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+bearerToken)
		}

		resp, err := c.Client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return resp.StatusCode, nil, readErr
			}
			return resp.StatusCode, body, nil
		}
		if err == nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %s", resp.Status)
		} else {
			lastErr = err
		}

		if i < c.Retries {
			c.Logger.Warn("HTTP request failed, retrying", "url", url, "attempt", i+1, "error", lastErr)
			time.Sleep(time.Duration(1<<i) * 200 * time.Millisecond) // Exponential backoff
		}
	}

	return 0, nil, fmt.Errorf("request failed after %d retries: %w", c.Retries, lastErr)
}

// PostJSON issues an authenticated POST with a JSON body.
func (c *HTTPClient) PostJSON(ctx context.Context, url, bearerToken string, body []byte) (*http.Response, error) {
	var resp *http.Response
	var err error

	for i := 0; i <= c.Retries; i++ {
		req, rErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
		if rErr != nil {
			return nil, rErr
		}
		req.Header.Set("Content-Type", "application/json")
		if bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+bearerToken)
		}

		resp, err = c.Client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			// Success or client error (do not retry 4xx usually, unless throttling)
			return resp, nil
		}

		if i < c.Retries {
			c.Logger.Warn("HTTP request failed, retrying", "url", url, "attempt", i+1, "error", err)
			time.Sleep(time.Duration(1<<i) * 200 * time.Millisecond) // Exponential backoff
		}
	}

	if err != nil {
		return nil, fmt.Errorf("request failed after %d retries: %w", c.Retries, err)
	}
	return resp, nil // return last response even if 500
}
