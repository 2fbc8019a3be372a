package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
	defaultJitter     = 0.2
)

// DefaultRetryableStatuses are retried unless a policy overrides them.
var DefaultRetryableStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// RetryPolicy decides whether a failed attempt is repeated and how long to
// wait before doing so. The zero value retries nothing.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry; each following retry
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// RetryableStatuses lists response codes worth retrying. A nil slice
	// means DefaultRetryableStatuses.
	RetryableStatuses []int
	// RetryOnTimeout retries connect/read deadline failures.
	RetryOnTimeout bool
	// Jitter spreads each wait uniformly over [1-Jitter, 1+Jitter] of its
	// nominal value so parallel workers do not retry in lockstep.
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     defaultMaxRetries,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		RetryOnTimeout: true,
		Jitter:         defaultJitter,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1), got %v", p.Jitter)
	}
	return nil
}

// Attempts is the total number of tries, including the first one.
func (p RetryPolicy) Attempts() int {
	return p.MaxRetries + 1
}

func (p RetryPolicy) IsRetryableStatus(code int) bool {
	statuses := p.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	return slices.Contains(statuses, code)
}

// Delay returns the wait before retry number attempt (1-indexed):
// min(BaseDelay * 2^(attempt-1), MaxDelay), jittered. A 429 carrying a
// numeric Retry-After uses that value instead, still capped by MaxDelay.
func (p RetryPolicy) Delay(attempt int, resp *http.Response) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if hint, ok := retryAfter(resp); ok {
		return p.capDelay(p.jitter(hint))
	}
	delay := p.capDelay(toDuration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))))
	return p.capDelay(p.jitter(delay))
}

func (p RetryPolicy) capDelay(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) jitter(d time.Duration) time.Duration {
	if p.Jitter == 0 || d <= 0 {
		return d
	}
	factor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	return toDuration(float64(d) * factor)
}

func toDuration(ns float64) time.Duration {
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

// CheckRetry implements retryablehttp.CheckRetry.
func (p RetryPolicy) CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	// Respect context cancellation and deadlines.
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		if isTimeout(err) && !errors.Is(err, context.DeadlineExceeded) {
			return p.RetryOnTimeout, nil
		}
		// retryablehttp knows which transport errors are permanent (bad
		// certificates, redirect loops, unsupported schemes).
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return p.IsRetryableStatus(resp.StatusCode), nil
}

// Backoff implements retryablehttp.Backoff. retryablehttp counts attempts
// from zero.
func (p RetryPolicy) Backoff(_, _ time.Duration, attemptNum int, resp *http.Response) time.Duration {
	return p.Delay(attemptNum+1, resp)
}
