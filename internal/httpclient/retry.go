package httpclient

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy controls when and how to retry after a response.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first (default 1).
	MaxRetries int

	// Retry429: on 429 Too Many Requests, wait Retry-After (capped) and retry.
	Retry429   bool
	Max429Wait time.Duration

	// Retry5xx: exponential backoff with jitter on 5xx.
	Retry5xx   bool
	Backoff5xx time.Duration
}

// DefaultRetryPolicy retries 429 (cap 30s) and 5xx (1s base backoff) once.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 1,
	Retry429:   true,
	Max429Wait: 30 * time.Second,
	Retry5xx:   true,
	Backoff5xx: time.Second,
}

// MediaServerRetryPolicy is more patient for Plex/Jellyfin/Emby API calls,
// which rate-limit under library scans.
var MediaServerRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	Retry429:   true,
	Max429Wait: 30 * time.Second,
	Retry5xx:   true,
	Backoff5xx: 2 * time.Second,
}

// DoWithRetry performs req, retrying 429/5xx per policy. Each attempt holds
// a per-host GlobalHostSem slot. Other 4xx are never retried. Caller must
// close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy, log zerolog.Logger) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	maxRetries := policy.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// The original request body may have been consumed.
			req2, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
			if err != nil {
				return nil, err
			}
			for k, v := range req.Header {
				req2.Header[k] = v
			}
			req = req2
		}

		release, err := GlobalHostSem.AcquireCtx(ctx, req.URL.String())
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		release()
		if err != nil {
			return nil, err
		}

		code := resp.StatusCode
		if code == http.StatusOK || code == http.StatusNotModified || code == http.StatusPartialContent {
			return resp, nil
		}

		retryable := false
		var wait time.Duration
		switch {
		case code == http.StatusTooManyRequests && policy.Retry429:
			retryable = true
			wait = parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait)
		case code >= 500 && code < 600 && policy.Retry5xx:
			retryable = true
			wait = policy.Backoff5xx * time.Duration(1<<uint(attempt))
		}
		if !retryable || attempt >= maxRetries {
			return resp, nil
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		wait = jitter(wait)
		log.Warn().
			Str("host", req.URL.Host).
			Int("status", code).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("retrying upstream request")
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("httpclient: exhausted retries for %s", req.URL.String())
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date), capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		if d := time.Duration(sec) * time.Second; d <= max {
			return d
		}
		return max
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}

// jitter spreads retries ±25% so concurrent callers don't sync up.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	if out := d + delta; out > 0 {
		return out
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
