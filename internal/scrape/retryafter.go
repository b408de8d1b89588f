package scrape

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfter interprets a Retry-After header value as either
// integer seconds or an HTTP-date. The result is never negative; an
// unparseable value yields zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
