package network

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// RetryWithBackoff calls fn up to attempts times, doubling the wait after each
// failure. retryable decides whether an error is worth another attempt; nil
// retries everything. The last error is returned.
func RetryWithBackoff(ctx context.Context, attempts int, initial time.Duration, fn func(context.Context) error, retryable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}
	wait := initial
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		wait *= 2
	}
	return err
}

// IsRetryableStatus treats throttling and server-side failures as transient.
func IsRetryableStatus(err error) bool {
	switch StatusCode(err) {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusInternalServerError:
		return true
	case 0:
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	default:
		return false
	}
}

var linkPart = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?([^";]+)"?`)

// NextLink returns the rel="next" URL of an RFC 5988 Link header, or "".
func NextLink(h http.Header) string {
	for _, header := range h.Values("Link") {
		for _, part := range strings.Split(header, ",") {
			m := linkPart.FindStringSubmatch(strings.TrimSpace(part))
			if m == nil {
				continue
			}
			for _, rel := range strings.Fields(m[2]) {
				if rel == "next" {
					return m[1]
				}
			}
		}
	}
	return ""
}
