package logging

import (
	"io"
	"regexp"
	"strings"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBlue    = "\x1b[34m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiMagenta = "\x1b[35m"
	ansiRed     = "\x1b[31m"
	ansiGray    = "\x1b[90m"
)

// tokenPattern matches, in priority order: quoted strings, breach reason codes, and numbers.
var tokenPattern = regexp.MustCompile(`("[^"\n]*")|(\b(?:TMP|HUM)\d_(?:HIGH|LOW)\b)|(-?\b\d+(?:\.\d+)?\b)`)

var tokenColors = [...]string{ansiGreen, ansiMagenta, ansiYellow}

// colorLineWriter wraps console line logs with level-based color.
type colorLineWriter struct {
	dst io.Writer
}

// Write colors one line according to its level and highlights tokens.
// Params: payload is rendered slog line.
// Returns: payload length on success or write error.
func (w *colorLineWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	base := levelColor(line)
	if base == "" {
		return w.dst.Write(payload)
	}

	rendered := base + highlightTokens(line, base) + ansiReset
	n, err := w.dst.Write([]byte(rendered))
	if n > len(payload) {
		n = len(payload)
	}
	return n, err
}

// levelColor maps rendered level token to ANSI code.
// Params: line is one rendered slog line.
// Returns: ANSI color sequence or empty string.
func levelColor(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=ERROR"):
		return ansiRed
	default:
		return ""
	}
}

// highlightTokens colors matched tokens and restores base color after each one.
// Params: rendered line and its level color.
// Returns: line with ANSI token highlights.
func highlightTokens(line, base string) string {
	matches := tokenPattern.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return line
	}

	var builder strings.Builder
	builder.Grow(len(line) + len(matches)*12)
	cursor := 0
	for _, match := range matches {
		color := ""
		for group := range tokenColors {
			if match[2+group*2] >= 0 {
				color = tokenColors[group]
				break
			}
		}
		builder.WriteString(line[cursor:match[0]])
		builder.WriteString(color)
		builder.WriteString(line[match[0]:match[1]])
		builder.WriteString(ansiReset)
		builder.WriteString(base)
		cursor = match[1]
	}
	builder.WriteString(line[cursor:])
	return builder.String()
}
