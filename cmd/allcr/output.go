package main

import (
	"fmt"
	"os"
)

// ANSI SGR codes for terminal output. All human-facing chatter goes to
// stderr so stdout stays clean for piped extractions and search results.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorEnabled() bool {
	if noColor {
		return false
	}
	// https://no-color.org/
	_, disabled := os.LookupEnv("NO_COLOR")
	return !disabled
}

func colorize(color, text string) string {
	if !colorEnabled() {
		return text
	}
	return color + text + colorReset
}

func note(color, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	note(colorGreen, "ok", format, args...)
}

func printError(format string, args ...any) {
	note(colorRed, "error:", format, args...)
}

func printWarning(format string, args ...any) {
	note(colorYellow, "warning:", format, args...)
}

func printStep(format string, args ...any) {
	note(colorCyan, "...", format, args...)
}

func printStatus(label string, format string, args ...any) {
	padded := fmt.Sprintf("%-18s", label)
	fmt.Fprintf(os.Stderr, "  %s %s\n",
		colorize(colorBold, padded), fmt.Sprintf(format, args...))
}

// shortID abbreviates a document ID for display. IDs are UUIDs in practice
// but the helper tolerates anything shorter.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
