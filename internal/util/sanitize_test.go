package util

import (
	"strings"
	"testing"
)

func TestSanitizeInput(t *testing.T) {
	if got := SanitizeInput("  <script>alert(1)</script>  "); got != "&lt;script&gt;alert(1)&lt;/script&gt;" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
	if got := SanitizeInput("plain text"); got != "plain text" {
		t.Fatalf("plain text must pass through, got %q", got)
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Alice@Example.COM "); got != "alice@example.com" {
		t.Fatalf("unexpected normalized email %q", got)
	}
	if got := NormalizeEmail(""); got != "" {
		t.Fatalf("empty stays empty, got %q", got)
	}
}

func TestTruncateUserAgent(t *testing.T) {
	long := strings.Repeat("x", 1000)
	if got := TruncateUserAgent(long); len(got) != 512 {
		t.Fatalf("expected 512 chars, got %d", len(got))
	}
	if got := TruncateUserAgent("short"); got != "short" {
		t.Fatalf("short values must pass through, got %q", got)
	}
}
