// Package redact sanitizes structured log and event payloads before they
// reach any sink, stripping bearer tokens, JWTs, long opaque blobs, and
// known-sensitive keys so secrets never leave the process in plaintext.
package redact

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const Placeholder = "[REDACTED]"

// sensitiveKeys are field/query/form names that must never reach logs unredacted.
var sensitiveKeys = map[string]bool{
	"access_token":   true,
	"refresh_token":  true,
	"client_secret":  true,
	"password":       true,
	"api_key":        true,
	"token":          true,
	"code":           true,
	"state":          true,
	"code_verifier":  true,
	"code_challenge": true,
}

// globalKeyPatterns catch key names less precisely (substrings of known
// sensitive keys beyond the exact list above).
var globalKeyPatterns = []string{
	"token", "secret", "password", "authorization", "cookie", "credential", "key",
}

var (
	bearerPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-_.~+/]+=*`)
	jwtPattern    = regexp.MustCompile(`\b[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`)
	base64Pattern = regexp.MustCompile(`\b[A-Za-z0-9+/_-]{20,}={0,2}\b`)
	userinfoRegex = regexp.MustCompile(`//[^/@\s]+:[^/@\s]+@`)
)

// Line sanitizes a free-form string payload: a log line, an error message,
// a raw URL or form body. It never panics; a malformed input degrades to
// best-effort regex redaction rather than being dropped.
func Line(s string) string {
	s = userinfoRegex.ReplaceAllString(s, "//"+Placeholder+"@")
	s = bearerPattern.ReplaceAllString(s, "Bearer "+Placeholder)
	s = redactJWTs(s)
	s = redactSensitiveQueryParams(s)
	return base64Pattern.ReplaceAllString(s, Placeholder)
}

// redactJWTs finds three-base64url-segment substrings and, only when they
// actually parse as a JWT header+claims (ParseUnverified — no signature
// check, we're sanitizing, not authenticating), replaces them. This avoids
// clobbering unrelated dotted strings that merely match the segment count.
func redactJWTs(s string) string {
	return jwtPattern.ReplaceAllStringFunc(s, func(match string) string {
		if looksLikeJWT(match) {
			return Placeholder
		}
		return match
	})
}

func looksLikeJWT(s string) bool {
	_, _, err := jwt.NewParser().ParseUnverified(s, jwt.MapClaims{})
	return err == nil
}

// redactSensitiveQueryParams handles both a full URL with a query string
// and a bare "application/x-www-form-urlencoded" body.
func redactSensitiveQueryParams(s string) string {
	if !strings.Contains(s, "=") {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.RawQuery != "" {
		if q, changed := redactValues(u.Query()); changed {
			u.RawQuery = q.Encode()
			return u.String()
		}
		return s
	}
	if looksLikeFormBody(s) {
		if vals, err := url.ParseQuery(s); err == nil && len(vals) > 0 {
			if q, changed := redactValues(vals); changed {
				return q.Encode()
			}
		}
	}
	return s
}

func redactValues(vals url.Values) (url.Values, bool) {
	changed := false
	for key := range vals {
		if shouldRedactKey(key) {
			vals.Set(key, Placeholder)
			changed = true
		}
	}
	return vals, changed
}

func looksLikeFormBody(s string) bool {
	return strings.Contains(s, "&") || (strings.Count(s, "=") == 1 && !strings.Contains(s, " "))
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveKeys[lower] {
		return true
	}
	for _, pattern := range globalKeyPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// JSON sanitizes a structured JSON payload, recursing into nested objects
// and arrays, redacting known-sensitive keys outright and passing every
// remaining string value through Line. A malformed payload is returned
// unchanged — callers must still log the skeleton, never suppress the line.
func JSON(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return data
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(sanitizeValue(v))
	if err != nil {
		return data
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if shouldRedactKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	case string:
		return Line(t)
	default:
		return v
	}
}

// AuthorizationHeader redacts an entire Authorization header value
// regardless of scheme: present means redacted wholesale, never partial.
func AuthorizationHeader(string) string {
	return Placeholder
}
