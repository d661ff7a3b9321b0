package reqexec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Options configures one retryable HTTP round trip. Grounded on
// tools/si/internal/integrationruntime.HTTPExecutorOptions, minus the cache
// hooks.
type Options[R any] struct {
	Client     *http.Client
	MaxRetries int

	BuildRequest       func(ctx context.Context, attempt int) (*http.Request, error)
	NormalizeResponse  func(httpResp *http.Response, body string) R
	StatusCode         func(resp R) int
	IsSuccess          func(resp R) bool
	NormalizeHTTPError func(statusCode int, headers http.Header, body string) error

	IsRetryableNetwork func(callErr error) bool
	IsRetryableHTTP    func(statusCode int, headers http.Header, body string) bool

	OnRequest  func(attempt int)
	OnResponse func(attempt int, resp R, headers http.Header, duration time.Duration)
}

// Do runs opts.BuildRequest, retrying transient failures per opts'
// retryability hooks with reqexec's jittered backoff (or Retry-After when the
// server supplies one).
func Do[R any](ctx context.Context, opts Options[R]) (R, error) {
	var zero R
	if opts.Client == nil {
		return zero, fmt.Errorf("reqexec: http client is required")
	}
	if opts.BuildRequest == nil || opts.NormalizeResponse == nil || opts.StatusCode == nil {
		return zero, fmt.Errorf("reqexec: build/normalize/status hooks are required")
	}

	attempts := opts.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		req, err := opts.BuildRequest(ctx, attempt)
		if err != nil {
			return zero, err
		}
		if opts.OnRequest != nil {
			opts.OnRequest(attempt)
		}
		start := time.Now().UTC()
		httpResp, callErr := opts.Client.Do(req)
		if callErr != nil {
			lastErr = callErr
			if attempt < attempts && opts.IsRetryableNetwork != nil && opts.IsRetryableNetwork(callErr) {
				if sleepErr := Sleep(ctx, BackoffJitterDelay(attempt)); sleepErr != nil {
					return zero, sleepErr
				}
				continue
			}
			return zero, callErr
		}

		bodyBytes, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		body := strings.TrimSpace(string(bodyBytes))
		resp := opts.NormalizeResponse(httpResp, body)
		duration := time.Since(start)
		statusCode := opts.StatusCode(resp)
		if opts.OnResponse != nil {
			opts.OnResponse(attempt, resp, httpResp.Header, duration)
		}

		success := statusCode >= 200 && statusCode < 300
		if opts.IsSuccess != nil {
			success = opts.IsSuccess(resp)
		}
		if success {
			return resp, nil
		}

		apiErr := fmt.Errorf("request failed: status=%d", statusCode)
		if opts.NormalizeHTTPError != nil {
			apiErr = opts.NormalizeHTTPError(statusCode, httpResp.Header, body)
		}
		lastErr = apiErr
		if attempt < attempts && opts.IsRetryableHTTP != nil && opts.IsRetryableHTTP(statusCode, httpResp.Header, body) {
			if sleepErr := Sleep(ctx, RetryDelay(attempt, httpResp.Header)); sleepErr != nil {
				return zero, sleepErr
			}
			continue
		}
		return zero, apiErr
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("reqexec: request failed")
	}
	return zero, lastErr
}
