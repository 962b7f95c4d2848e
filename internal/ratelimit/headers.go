package ratelimit

import (
	"net/http"
	"strconv"
)

// SetHeaders writes the X-RateLimit-* headers for res, plus Retry-After on
// a denial.
func SetHeaders(w http.ResponseWriter, res Result) {
	h := w.Header()
	if res.Limit > 0 {
		remaining := res.Limit - res.Count
		if remaining < 0 || !res.Allowed {
			remaining = 0
		}
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
	if !res.Allowed && res.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(res.RetryAfter, 10))
	}
}
