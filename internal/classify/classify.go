// Package classify implements the Response Classifier (spec §4.I):
// mapping an upstream HTTP status and response body to a rate-limit
// reason tag.
package classify

import "strings"

// Reason is one of the four rate-limit reason tags (spec §3).
type Reason string

const (
	ReasonServerError    Reason = "SERVER_ERROR"
	ReasonUsageLimit     Reason = "USAGE_LIMIT_REACHED"
	ReasonRateLimit      Reason = "RATE_LIMIT_EXCEEDED"
	ReasonUnknown        Reason = "UNKNOWN"
)

var usageLimitPatterns = []string{
	"usage_limit_reached",
	"usage_not_included",
	"usage limit",
	"exhausted",
	"quota",
}

var rateLimitPatterns = []string{
	"rate_limit",
	"rate limit",
	"too many requests",
	"per minute",
}

// Classify implements §4.I: status-first, then body substring matching.
func Classify(status int, body string) Reason {
	if status == 503 || status == 529 {
		return ReasonServerError
	}

	lower := strings.ToLower(body)

	for _, p := range usageLimitPatterns {
		if strings.Contains(lower, p) {
			return ReasonUsageLimit
		}
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(lower, p) {
			return ReasonRateLimit
		}
	}
	return ReasonUnknown
}

// Remap404 implements the 404↔429 quirk: a 404 whose body matches the
// usage-limit patterns is treated as a 429 for classification and
// response purposes; a non-matching 404 is a real 404.
func Remap404(status int, body string) (effectiveStatus int, reason Reason) {
	if status != 404 {
		r := Classify(status, body)
		return status, r
	}

	r := Classify(status, body)
	if r == ReasonUsageLimit {
		return 429, r
	}
	return 404, ReasonUnknown
}
