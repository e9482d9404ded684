// Package httputil provides the HTTP client used for upstream calls.
package httputil

import (
	"net/http"
	"time"
)

// retryTransport retries idempotent requests that fail transiently.
// Upstream quote and ticker endpoints shed load with 429s and 5xxs;
// one cheap retry smooths those over without hiding real outages.
type retryTransport struct {
	base       http.RoundTripper
	maxRetries int
	backoff    time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		resp, err = t.base.RoundTrip(req)
		if !t.shouldRetry(req, resp, err) || attempt >= t.maxRetries {
			return resp, err
		}
		if resp != nil {
			resp.Body.Close()
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(t.backoff << attempt):
		}
	}
}

func (t *retryTransport) shouldRetry(req *http.Request, resp *http.Response, err error) bool {
	// Only requests without a body are safe to replay.
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if err != nil {
		return req.Context().Err() == nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ClientConfig configures the upstream HTTP client.
type ClientConfig struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// NewClient returns an HTTP client whose GET requests retry transient
// upstream failures with exponential backoff.
func NewClient(cfg ClientConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = 200 * time.Millisecond
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &retryTransport{
			base:       http.DefaultTransport,
			maxRetries: maxRetries,
			backoff:    backoff,
		},
	}
}
