// Package httpx holds the HTTP plumbing shared by the outbound gateways.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBody bounds how much of an upstream response is buffered.
const maxBody = 4 << 20

// NewClient returns an HTTP client with a bounded timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// AttemptFunc performs one request and reports the HTTP status and body.
type AttemptFunc func() (status int, body []byte, err error)

// DoWithRetry retries fn on transport errors, 429 and 5xx, doubling the delay
// between attempts up to 30s. The last attempt's result is returned as is.
func DoWithRetry(ctx context.Context, attempts int, initialDelay time.Duration, fn AttemptFunc) (int, []byte, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if initialDelay <= 0 {
		initialDelay = 2 * time.Second
	}
	delay := initialDelay
	for i := 0; i < attempts; i++ {
		status, body, err := fn()
		if err == nil && status != http.StatusTooManyRequests && status < 500 {
			return status, body, nil
		}
		if i == attempts-1 {
			return status, body, err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return status, body, ctx.Err()
		case <-t.C:
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	return 0, nil, context.DeadlineExceeded
}

// Send executes req with client and reads the (bounded) response body.
func Send(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("httpx: read body: %w", err)
	}
	return resp.StatusCode, body, nil
}
