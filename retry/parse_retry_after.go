package retry

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// retryAfterPattern matches the original's free-text retry-after grammar:
// "try again in 28ms", "try again in 1.898s", "try again in 35 seconds".
// Grounded verbatim on original_source/codex-rs/codex-client/src/retry.rs.
var retryAfterPattern = regexp.MustCompile(`(?i)try again in\s*(\d+(?:\.\d+)?)\s*(s|ms|seconds?)`)

// ParseRetryAfter extracts a retry delay from s, which may be an RFC-style
// Retry-After header value (an integer number of seconds) or free text
// containing the "try again in <num> (s|ms|seconds?)" phrase. It reports
// false when no delay could be parsed.
func ParseRetryAfter(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if secs, err := strconv.ParseUint(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	m := retryAfterPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	unit := strings.ToLower(m[2])
	if unit == "ms" {
		return time.Duration(val * float64(time.Millisecond)), true
	}
	return time.Duration(val * float64(time.Second)), true
}
