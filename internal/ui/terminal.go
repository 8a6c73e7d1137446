// Package ui provides terminal styling for backline CLI output.
package ui

import (
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether stdout is attached to a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsAgentMode reports whether output should be kept plain and machine-friendly.
// Set BL_AGENT=1 when driving bl from scripts or an automation harness.
func IsAgentMode() bool {
	switch os.Getenv("BL_AGENT") {
	case "1", "true", "yes":
		return true
	}
	return false
}

// ShouldUseColor decides whether to emit ANSI color.
//
// Precedence follows the informal CLI conventions:
//  1. NO_COLOR set (any value, including empty): no color
//  2. CLICOLOR_FORCE set and non-zero: color even without a TTY
//  3. CLICOLOR=0: no color
//  4. otherwise: color iff stdout is a TTY
func ShouldUseColor() bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	if force := os.Getenv("CLICOLOR_FORCE"); force != "" && force != "0" {
		return true
	}
	if termenv.EnvNoColor() {
		return false
	}
	return IsTerminal()
}

// ShouldUseEmoji reports whether icon glyphs are safe to emit.
// BL_NO_EMOJI=1 forces plain ASCII; otherwise follow the TTY check.
func ShouldUseEmoji() bool {
	if os.Getenv("BL_NO_EMOJI") == "1" {
		return false
	}
	return IsTerminal()
}
