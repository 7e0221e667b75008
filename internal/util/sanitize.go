package util

import (
	"html"
	"strings"
)

const maxUserAgentLen = 512

// SanitizeInput trims and escapes HTML-significant characters from free-form
// request input before it is persisted or logged.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// NormalizeEmail lowercases and trims an address so attempt-history lookups
// are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// TruncateUserAgent caps stored user agent strings; some clients send
// pathological values.
func TruncateUserAgent(ua string) string {
	ua = strings.TrimSpace(ua)
	if len(ua) > maxUserAgentLen {
		return ua[:maxUserAgentLen]
	}
	return ua
}
