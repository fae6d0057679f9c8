package errors

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Kind labels a failure for retry policy, usage logs and custom message rules.
type Kind string

const (
	KindRateLimit      Kind = "RATE_LIMIT"
	KindQuotaExhausted Kind = "QUOTA_EXHAUSTED"
	KindAuthError      Kind = "AUTH_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
	KindUpstream5xx    Kind = "UPSTREAM_5XX"
	KindNetworkError   Kind = "NETWORK_ERROR"
	KindTimeout        Kind = "TIMEOUT"
	KindConfigError    Kind = "CONFIG_ERROR"
	KindTokenError     Kind = "TOKEN_ERROR"
	KindNoCredential   Kind = "NO_CREDENTIAL"
	KindUnknown        Kind = "UNKNOWN"
)

// Classify maps an HTTP status plus raw error text to (kind, code). The code
// is the status as a string when one is known, otherwise the dominant marker
// found in the text.
func Classify(status int, errText string) (Kind, string) {
	code := ""
	if status > 0 {
		code = strconv.Itoa(status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit, code
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthError, code
	case status == http.StatusNotFound:
		return KindNotFound, code
	case status >= 500:
		return KindUpstream5xx, code
	}

	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(errText, "PERMISSION_DENIED"):
		return KindAuthError, code
	case strings.Contains(errText, "RESOURCE_EXHAUSTED"):
		return KindRateLimit, code
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(errText, "ETIMEDOUT"):
		return KindTimeout, code
	case strings.Contains(lower, "connection re") ||
		strings.Contains(errText, "ECONNRESET") ||
		strings.Contains(errText, "ECONNREFUSED") ||
		strings.Contains(errText, "ConnectionReset") ||
		strings.Contains(lower, "socket hang up") ||
		strings.Contains(lower, "no such host"):
		return KindNetworkError, code
	case status >= 400:
		return KindUnknown, code
	}
	return KindUnknown, code
}

var statusCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`API Error (\d{3})`),
	regexp.MustCompile(`"code":\s*(\d{3})`),
	regexp.MustCompile(`status_code[=:]\s*(\d{3})`),
	regexp.MustCompile(`HTTP (\d{3})`),
	regexp.MustCompile(`Error (\d{3}):`),
}

// ExtractStatus digs an HTTP status out of an error string. Only 4xx/5xx
// values are trusted; anything else yields the supplied default.
func ExtractStatus(errText string, def int) int {
	for _, re := range statusCodePatterns {
		if m := re.FindStringSubmatch(errText); m != nil {
			if code, err := strconv.Atoi(m[1]); err == nil && code >= 400 && code < 600 {
				return code
			}
		}
	}
	return def
}

var retryableMarkers = []string{
	"404", "500", "502", "503", "504", "429",
	"RESOURCE_EXHAUSTED", "NOT_FOUND",
	"ECONNRESET", "socket hang up", "ConnectionReset", "Connection reset",
	"ETIMEDOUT", "ECONNREFUSED", "Gateway Timeout", "timeout",
}

// IsRetryableText reports whether an upstream error message indicates a
// failure worth retrying on another credential.
func IsRetryableText(errText string) bool {
	for _, marker := range retryableMarkers {
		if strings.Contains(errText, marker) {
			return true
		}
	}
	return false
}

const defaultRetryDelaySeconds = 60

var (
	retryDelayJSONRe = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)
	retryAfterTextRe = regexp.MustCompile(`retry after (\d+(?:\.\d+)?)\s*s`)
	secondsTextRe    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*seconds`)
)

// ParseRetryDelay extracts the cooldown the upstream asked for on a 429.
// Precedence: Retry-After header, retryDelay field, textual hints, then 60s.
func ParseRetryDelay(retryAfterHeader, body string) int {
	if retryAfterHeader != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && secs > 0 {
			return secs
		}
	}
	for _, re := range []*regexp.Regexp{retryDelayJSONRe, retryAfterTextRe, secondsTextRe} {
		if m := re.FindStringSubmatch(body); m != nil {
			if f, err := strconv.ParseFloat(m[1], 64); err == nil && f > 0 {
				secs := int(f)
				if secs == 0 {
					secs = 1
				}
				return secs
			}
		}
	}
	return defaultRetryDelaySeconds
}
