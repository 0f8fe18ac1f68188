package verify

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// normalize strips comments and cosmetic whitespace so that formatting
// edits do not affect similarity. Whitespace survives only where it
// separates two word characters; spacing around punctuation is free, so
// "console.log( x ) ;" and "console.log(x);" normalize identically.
// String literal contents are preserved verbatim.
func normalize(code string) string {
	var sb strings.Builder
	sb.Grow(len(code))

	inLineComment := false
	inBlockComment := false
	inString := byte(0)
	pendingSpace := false
	var last byte

	write := func(c byte) {
		if pendingSpace && isWordByte(last) && isWordByte(c) {
			sb.WriteByte(' ')
		}
		pendingSpace = false
		sb.WriteByte(c)
		last = c
	}

	for i := 0; i < len(code); i++ {
		c := code[i]

		switch {
		case inLineComment:
			if c == '\n' {
				inLineComment = false
				pendingSpace = true
			}
		case inBlockComment:
			if c == '*' && i+1 < len(code) && code[i+1] == '/' {
				inBlockComment = false
				i++
			}
		case inString != 0:
			write(c)
			if c == '\\' && i+1 < len(code) {
				i++
				write(code[i])
			} else if c == inString {
				inString = 0
			}
		case c == '"' || c == '\'' || c == '`':
			inString = c
			write(c)
		case c == '/' && i+1 < len(code) && code[i+1] == '/':
			inLineComment = true
			i++
		case c == '/' && i+1 < len(code) && code[i+1] == '*':
			inBlockComment = true
			i++
		case c == '#':
			inLineComment = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			pendingSpace = true
		default:
			write(c)
		}
	}

	return sb.String()
}

func isWordByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// similarity computes (longer − editDistance) / longer over the two strings.
// Two empty strings are identical; one empty string matches nothing.
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	longer := len([]rune(a))
	if lb := len([]rune(b)); lb > longer {
		longer = lb
	}

	distance := levenshtein.ComputeDistance(a, b)
	if distance >= longer {
		return 0.0
	}
	return float64(longer-distance) / float64(longer)
}
