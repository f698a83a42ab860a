package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"

	"github.com/cra-platform/fieldsync/internal/common"
)

// HTTPClient implements Client over the platform REST API.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client

	// retries per request for transient failures; 4xx is never retried.
	maxRetries uint64
	retryDelay time.Duration
	nowFn      func() time.Time
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying transport (tests use this).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.hc = hc }
}

// WithRetries overrides the transient-failure retry budget per request.
func WithRetries(n uint64, delay time.Duration) Option {
	return func(c *HTTPClient) {
		c.maxRetries = n
		c.retryDelay = delay
	}
}

// NewHTTPClient builds a client for the given base URL. The token may be
// empty when only public submissions are used.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		hc:         &http.Client{Timeout: 30 * time.Second},
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) SubmitResponse(ctx context.Context, formID string, payload *SubmissionPayload) error {
	return c.submit(ctx, fmt.Sprintf("%s/forms/%s/responses", c.baseURL, url.PathEscape(formID)), true, payload)
}

func (c *HTTPClient) SubmitPublicResponse(ctx context.Context, shareToken string, payload *SubmissionPayload) error {
	return c.submit(ctx, fmt.Sprintf("%s/forms/public/%s/responses", c.baseURL, url.PathEscape(shareToken)), false, payload)
}

// submit posts the payload. Network errors and 5xx responses are retried
// with fibonacci backoff up to the configured budget; any 4xx fails the
// attempt immediately.
func (c *HTTPClient) submit(ctx context.Context, endpoint string, authenticated bool, payload *SubmissionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serializing submission: %w", err)
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(c.retryDelay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if authenticated {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("submit: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err = fmt.Errorf("submit failed: %s: %s", resp.Status, string(msg))
		if resp.StatusCode >= 500 {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed: %s", resp.Status)
	}
	return nil
}

// CheckToken inspects the bearer token's exp claim without verifying the
// signature; verification happens server-side. An empty token passes, so
// public-only captures still sync.
func (c *HTTPClient) CheckToken() error {
	if c.token == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return fmt.Errorf("%w: %w", common.ErrTokenExpired, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil // no exp claim, let the server decide
	}
	if exp.Before(c.nowFn()) {
		return fmt.Errorf("%w: expired at %s", common.ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return nil
}
