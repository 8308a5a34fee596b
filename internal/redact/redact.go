// Package redact scrubs API tokens and user paths from log fields
package redact

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var (
	// Token-bearing key/value pairs
	patterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(token|api[_-]?key|bearer)(["\s:=]+["']?)([a-zA-Z0-9_.-]{16,})`),
	}

	sensitiveHeaders = map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"x-api-token":   {},
	}

	sensitiveParams = []string{"token", "api_token", "key"}

	homePatterns = []*regexp.Regexp{
		regexp.MustCompile(`/Users/([^/]+)/`),
		regexp.MustCompile(`/home/([^/]+)/`),
		regexp.MustCompile(`(?i)\\Users\\([^\\]+)\\`),
	}

	// Replacement text
	redactedText = "[REDACTED]"
)

// Secrets redacts token-like values from free text
func Secrets(text string) string {
	result := text
	for _, pattern := range patterns {
		result = pattern.ReplaceAllString(result, "${1}${2}"+redactedText)
	}
	return result
}

// Headers returns a compact, sorted rendering of h with credential headers redacted
func Headers(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k, v := range h {
		if len(v) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := h[k][0]
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok && v != "" {
			v = redactedText
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

// URL returns u as a string with token query parameters redacted
func URL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	changed := false
	for _, p := range sensitiveParams {
		if q.Has(p) {
			q.Set(p, redactedText)
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	c := *u
	c.RawQuery = q.Encode()
	return c.String()
}

// Path redacts the user name component of home directory paths
func Path(path string) string {
	path = homePatterns[0].ReplaceAllString(path, "/Users/[USER]/")
	path = homePatterns[1].ReplaceAllString(path, "/home/[USER]/")
	path = homePatterns[2].ReplaceAllString(path, `\Users\[USER]\`)
	return path
}

// ContainsSecret checks if text contains a token-like value
func ContainsSecret(text string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
