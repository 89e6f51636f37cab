// Package textnorm turns raw recognizer output into sentence-shaped text.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// space matches exactly the runes unicode.IsSpace reports.
const space = `[\s\v\x{85}\p{Z}]`

var (
	spaceRun       = regexp.MustCompile(space + `+`)
	spaceBeforeEnd = regexp.MustCompile(space + `+([,.!?])`)
	glued          = regexp.MustCompile(`([,.!?])(\pL)`)
)

// Normalize collapses whitespace, capitalizes the first character, ensures
// terminal punctuation and fixes spacing around ",.!?". Blank input yields
// "". Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	s := strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
	if s == "" {
		return ""
	}

	r, size := utf8.DecodeRuneInString(s)
	s = string(unicode.ToUpper(r)) + s[size:]

	switch s[len(s)-1] {
	case '.', '!', '?':
	default:
		s += "."
	}

	s = spaceBeforeEnd.ReplaceAllString(s, "$1")
	s = glued.ReplaceAllString(s, "$1 $2")
	return s
}
