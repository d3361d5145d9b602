package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/username/cryptotaxreports/src/models"
)

const maxResponseBytes = 16 << 20

// HTTPClient performs paced, retried requests against one upstream provider
// and classifies failures into the upstream error taxonomy.
type HTTPClient struct {
	Provider string
	Client   *http.Client
	Limiter  *rate.Limiter
	Retry    RetryPolicy
}

// NewHTTPClient paces requests to rps per second. A nil client gets a 30s
// timeout default.
func NewHTTPClient(provider string, client *http.Client, rps float64, retry RetryPolicy) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HTTPClient{Provider: provider, Client: client, Limiter: rate.NewLimiter(limit, 1), Retry: retry}
}

// Do builds a fresh request per attempt and returns the body of the first 2xx
// response.
func (c *HTTPClient) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	return c.DoChecked(ctx, build, nil)
}

// DoChecked is Do for providers that report errors inside a 2xx body. check
// runs within the retry loop, so a retryable error it returns is retried.
func (c *HTTPClient) DoChecked(ctx context.Context, build func(ctx context.Context) (*http.Request, error), check func(body []byte) error) ([]byte, error) {
	var body []byte
	err := c.Retry.Do(ctx, func(ctx context.Context) error {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := build(ctx)
		if err != nil {
			return fmt.Errorf("build %s request: %w", c.Provider, err)
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.transportError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return models.UpstreamErrorFromStatus(c.Provider, resp.StatusCode, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &models.UpstreamError{Provider: c.Provider, Kind: models.ErrUpstreamUnavailable, Err: err}
		}
		if check != nil {
			return check(body)
		}
		return nil
	})
	return body, err
}

// transportError classifies a failed round trip. Token refresh failures surface
// here as *AuthError from the oauth transport.
func (c *HTTPClient) transportError(err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return &models.UpstreamError{Provider: c.Provider, Kind: models.ErrAuthenticationFailure, Err: err}
	}
	return &models.UpstreamError{Provider: c.Provider, Kind: models.ErrUpstreamUnavailable, Err: err}
}

// AuthError marks a credential failure detected before a response was read.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authorization failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
