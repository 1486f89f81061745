package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// formatTokens renders a token count as 950, 1.5k, 2.25m or 1.1b.
func formatTokens(n int64) string {
	round := func(f float64) string {
		return strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64)
	}
	switch {
	case n >= 1_000_000_000:
		return round(float64(n)/1e9) + "b"
	case n >= 1_000_000:
		return round(float64(n)/1e6) + "m"
	case n >= 1_000:
		return round(float64(n)/1e3) + "k"
	default:
		return strconv.FormatInt(n, 10)
	}
}

// progressBar renders a fixed-width bar for a 0-100 percentage.
func progressBar(pct int) string {
	const width = 24
	pct = max(0, min(pct, 100))
	filled := pct * width / 100
	bar := make([]rune, width)
	for i := range bar {
		if i < filled {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}
	return fmt.Sprintf("[%s] %3d%%", string(bar), pct)
}
