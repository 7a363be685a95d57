package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// maxRetryWait caps any wait the server asks for.
const maxRetryWait = time.Hour

// retryAfter works out how long the server asked us to wait. Retry-After
// may be delta-seconds or an HTTP date; the game also puts the wait in
// its error body and announces the bucket reset in X-RateLimit-Reset.
func retryAfter(h http.Header, body []byte, now time.Time, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return seconds(secs)
		}
		if at, err := http.ParseTime(v); err == nil {
			return positive(at.Sub(now))
		}
	}
	if r := gjson.GetBytes(body, "error.data.retryAfter"); r.Exists() && r.Float() >= 0 {
		return seconds(r.Float())
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return positive(at.Sub(now))
		}
	}
	return fallback
}

// seconds converts before multiplying would overflow a Duration.
func seconds(s float64) time.Duration {
	if s >= maxRetryWait.Seconds() {
		return maxRetryWait
	}
	return time.Duration(s * float64(time.Second))
}

func positive(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d > maxRetryWait:
		return maxRetryWait
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
