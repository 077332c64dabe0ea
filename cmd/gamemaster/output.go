package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// colorize wraps text in an ANSI color unless color is disabled by the
// --no-color flag or the NO_COLOR environment variable.
func colorize(color, text string) string {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return text
	}
	return color + text + colorReset
}

func printGlyph(color, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printGlyph(colorGreen, "✓", format, args...) }

func printError(format string, args ...any) { printGlyph(colorRed, "✗", format, args...) }

func printWarning(format string, args ...any) { printGlyph(colorYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { printGlyph(colorCyan, "→", format, args...) }

// printStatus writes one aligned "label: value" line of the status display.
func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, fmt.Sprintf("%-12s", label+":"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}
