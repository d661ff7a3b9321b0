// Package reqexec is the generic retry/backoff HTTP executor used by
// internal/edgeplatform; internal/sourcehost and internal/credential use only
// its Sleep helper for their own fixed retry delays. Grounded on
// tools/si/internal/integrationruntime/http_exec.go and
// tools/si/internal/netpolicy, trimmed of the response-cache hooks (this
// control plane has no read-through HTTP cache requirement) and the
// multi-provider rate-limit bucket (each client here already owns its own
// pooled *http.Client via internal/httpx).
package reqexec

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// IsSafeMethod reports whether method is idempotent for retry purposes.
func IsSafeMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// RetryAfterDelay parses a Retry-After header (seconds or HTTP-date form).
func RetryAfterDelay(headers http.Header) (time.Duration, bool) {
	if headers == nil {
		return 0, false
	}
	raw := strings.TrimSpace(headers.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(raw); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0, true
		}
		return d, true
	}
	return 0, false
}

// BackoffJitterDelay is the default exponential-with-jitter schedule Do uses
// for internal/edgeplatform's retries (spec.md §5: "Backoff jitter
// of ±20% is applied to all retry delays").
func BackoffJitterDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := 1 * time.Second
	delay := base * time.Duration(1<<(attempt-1))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	jitterFrac := 0.2
	min := time.Duration(float64(delay) * (1 - jitterFrac))
	max := time.Duration(float64(delay) * (1 + jitterFrac))
	if max <= min {
		return delay
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// RetryDelay honors Retry-After when present (clamped to 15s), otherwise
// falls back to BackoffJitterDelay.
func RetryDelay(attempt int, headers http.Header) time.Duration {
	if d, ok := RetryAfterDelay(headers); ok {
		if d < 0 {
			return 0
		}
		if d > 15*time.Second {
			return 15 * time.Second
		}
		return d
	}
	return BackoffJitterDelay(attempt)
}

// FixedDelay implements the literal fixed schedules spec.md calls out by
// name, e.g. credential refresh (1s, 2s, 3s) and single-file put conflict
// retries (0.5s * attempt). index is 1-based.
func FixedDelay(schedule []time.Duration, index int) time.Duration {
	if index < 1 {
		index = 1
	}
	if index > len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[index-1]
}

// Sleep blocks for d, honoring ctx cancellation (spec.md §5: "Cancellation
// propagates immediately").
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
