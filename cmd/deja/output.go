package main

import (
	"fmt"
	"os"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// colorize wraps text in an ANSI color unless colors are disabled via
// --no-color or the NO_COLOR convention.
func colorize(color, text string) string {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return text
	}
	return color + text + ansiReset
}

func printMark(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	printMark(ansiGreen, "✓", format, args...)
}

func printError(format string, args ...any) {
	printMark(ansiRed, "✗", format, args...)
}

func printWarning(format string, args ...any) {
	printMark(ansiYellow, "⚠", format, args...)
}

func printStep(format string, args ...any) {
	printMark(ansiCyan, "→", format, args...)
}

// printStatus prints one aligned "label: value" line of `deja status`.
func printStatus(label, format string, args ...any) {
	padded := fmt.Sprintf("%-13s", label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(ansiBold, padded), fmt.Sprintf(format, args...))
}
