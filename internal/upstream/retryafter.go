package upstream

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Matches "try again in 1.5s", "retry after 20 seconds", "Please try again
// in 350ms" and similar provider messages.
var retryAfterText = regexp.MustCompile(`(?i)(?:try again|retry)\s+(?:in|after)\s+([0-9][0-9.a-z]*)(?:\s+(milliseconds?|ms|seconds?|secs?|minutes?|mins?))?`)

// ParseRetryAfter extracts a wait duration from a Retry-After header value
// (delta-seconds or HTTP-date) or from free-form error text.
func ParseRetryAfter(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(s); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}

	m := retryAfterText.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return parseAmount(strings.TrimRight(m[1], "."), strings.ToLower(m[2]))
}

func parseAmount(token, unit string) (time.Duration, bool) {
	if d, err := time.ParseDuration(token); err == nil && d >= 0 {
		return d, true
	}
	n, err := strconv.ParseFloat(token, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	scale := time.Second
	switch {
	case unit == "ms" || strings.HasPrefix(unit, "millisecond"):
		scale = time.Millisecond
	case strings.HasPrefix(unit, "min"):
		scale = time.Minute
	}
	return time.Duration(n * float64(scale)), true
}
