// Package ui renders lanchat output for the terminal
package ui

import (
	"os"

	"golang.org/x/term"
)

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Dim     = "\033[2m"
	Cyan    = "\033[36m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Red     = "\033[31m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
)

// Box drawing characters
const (
	BoxTopLeft     = "╭"
	BoxTopRight    = "╮"
	BoxBottomLeft  = "╰"
	BoxBottomRight = "╯"
	BoxHorizontal  = "─"
	BoxVertical    = "│"
)

// Markers used in message and peer listings
const (
	MarkOnline = "●"
	MarkTyping = "…"
	MarkPinned = "📌"
	MarkReply  = "↳"
)

var (
	colorEnabled = true
	isTTY        = true
)

func init() {
	isTTY = term.IsTerminal(int(os.Stdout.Fd()))
	colorEnabled = isTTY && os.Getenv("NO_COLOR") == ""
}

// SetNoColor turns color output off; it never turns it back on
func SetNoColor(disable bool) {
	if disable {
		colorEnabled = false
	}
}

// IsColorEnabled reports whether output is colored
func IsColorEnabled() bool {
	return colorEnabled
}

// IsTTY reports whether stdout is a terminal
func IsTTY() bool {
	return isTTY
}

// Width returns the terminal width, or fallback when stdout is not a terminal
func Width(fallback int) int {
	if !isTTY {
		return fallback
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// Color wraps text with an ANSI color code
func Color(code, text string) string {
	if !colorEnabled {
		return text
	}
	return code + text + Reset
}
