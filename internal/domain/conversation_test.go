package domain

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTitleFromMessage(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"empty", "", "New Conversation"},
		{"short passthrough", "Explain goroutines", "Explain goroutines"},
		{"first line only", "What is a channel?\nAnd a second question", "What is a channel?"},
		{"exactly fifty chars", strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{"leading newline", "\nhello", "New Conversation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TitleFromMessage(tt.content)
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestTitleFromMessageCutsAtWordBoundary(t *testing.T) {
	content := "Please explain how the scheduler preempts long running goroutines in detail"
	got := TitleFromMessage(content)

	if !strings.HasSuffix(got, "...") {
		t.Errorf("Expected ellipsis suffix, got %q", got)
	}
	if len(got) > 53 {
		t.Errorf("Expected at most 53 chars, got %d (%q)", len(got), got)
	}
	trimmed := strings.TrimSuffix(got, "...")
	if strings.HasSuffix(trimmed, " ") {
		t.Errorf("Expected no trailing space before ellipsis, got %q", got)
	}
	if !strings.HasPrefix(content, trimmed) {
		t.Errorf("Expected a prefix of the original message, got %q", got)
	}
}

func TestTitleFromMessageCutsOnRuneBoundary(t *testing.T) {
	content := strings.Repeat("日", 20)
	got := TitleFromMessage(content)

	if !utf8.ValidString(got) {
		t.Fatalf("Expected valid UTF-8 title, got %q", got)
	}
	if got != strings.Repeat("日", 16)+"..." {
		t.Errorf("Expected cut before the straddled rune, got %q", got)
	}
}

func TestTitleFromMessageNoSpaceInLongWord(t *testing.T) {
	content := strings.Repeat("x", 80)
	got := TitleFromMessage(content)
	if got != strings.Repeat("x", 50)+"..." {
		t.Errorf("Expected hard cut at 50 chars, got %q", got)
	}
}
