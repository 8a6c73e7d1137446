// Package ui provides terminal styling for backline CLI output.
package ui

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Default truncation settings for evidence and narrative display.
const (
	DefaultMaxLines     = 15 // max lines before evidence lists are folded
	DefaultContextLines = 5  // lines kept at each end when folding
)

// TruncateLines truncates text to maxLines, keeping context from both ends.
// If the text has fewer lines than maxLines, returns it unchanged.
func TruncateLines(text string, maxLines, contextLines int) string {
	if text == "" {
		return text
	}

	lines := strings.Split(text, "\n")
	total := len(lines)
	if total <= maxLines {
		return text
	}

	if contextLines < 1 {
		contextLines = DefaultContextLines
	}
	// Too small for head+marker+tail: just take the head.
	if maxLines < contextLines*2+3 {
		return strings.Join(lines[:maxLines], "\n") + "\n..."
	}

	hidden := total - contextLines*2

	var b strings.Builder
	b.WriteString(strings.Join(lines[:contextLines], "\n"))
	b.WriteString("\n")
	b.WriteString(RenderMuted("... (" + strconv.Itoa(hidden) + " lines hidden, use --full) ..."))
	b.WriteString("\n")
	b.WriteString(strings.Join(lines[total-contextLines:], "\n"))
	return b.String()
}

// TruncateSimple performs simple end truncation with "..." suffix.
// UTF-8 safe.
func TruncateSimple(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(text)
	return string(runes[:maxLen-3]) + "..."
}

// WrapText wraps text at word boundaries to fit within maxWidth.
// Preserves existing line breaks.
func WrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		maxWidth = 80
	}

	var b strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(wrapLine(line, maxWidth))
	}
	return b.String()
}

func wrapLine(line string, maxWidth int) string {
	if utf8.RuneCountInString(line) <= maxWidth {
		return line
	}

	var b strings.Builder
	current := 0
	for _, word := range strings.Fields(line) {
		wordLen := utf8.RuneCountInString(word)
		switch {
		case current == 0:
			// First word goes on the line even when it overflows.
			b.WriteString(word)
			current = wordLen
		case current+1+wordLen <= maxWidth:
			b.WriteString(" ")
			b.WriteString(word)
			current += 1 + wordLen
		default:
			b.WriteString("\n")
			b.WriteString(word)
			current = wordLen
		}
	}
	return b.String()
}
