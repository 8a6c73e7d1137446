package ui

import (
	"strings"
	"testing"
)

func TestTruncateLines(t *testing.T) {
	short := "one\ntwo\nthree"
	if got := TruncateLines(short, 15, 5); got != short {
		t.Errorf("short text should pass through unchanged, got %q", got)
	}

	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "line")
	}
	long := strings.Join(lines, "\n")

	got := TruncateLines(long, 15, 5)
	if !strings.Contains(got, "30 lines hidden") {
		t.Errorf("expected hidden-line count in %q", got)
	}
	if n := strings.Count(got, "line"); n != 10+1 { // 5 head + 5 tail + "lines hidden"
		t.Errorf("kept %d occurrences, want 11", n)
	}
}

func TestTruncateSimple(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"红烧肉好吃", 4, "红..."},
		{"abc", 3, "abc"},
		{"abcd", 3, "..."},
	}
	for _, tt := range tests {
		if got := TruncateSimple(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("TruncateSimple(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestWrapText(t *testing.T) {
	got := WrapText("the quick brown fox jumps over the lazy dog", 10)
	for i, line := range strings.Split(got, "\n") {
		if len(line) > 10 {
			t.Errorf("line %d exceeds width: %q", i, line)
		}
	}

	// Existing breaks survive
	got = WrapText("a\nb", 80)
	if got != "a\nb" {
		t.Errorf("WrapText should preserve line breaks, got %q", got)
	}

	// Overlong single word stays intact
	got = WrapText("supercalifragilistic", 5)
	if got != "supercalifragilistic" {
		t.Errorf("single overlong word should not be split, got %q", got)
	}
}
