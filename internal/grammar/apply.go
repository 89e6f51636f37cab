package grammar

import (
	"sort"
	"unicode/utf16"
)

// Apply rewrites text with the first replacement of each match, rightmost
// first. Offsets are UTF-16 code units, as LanguageTool reports them. Matches
// whose first replacement is missing or empty are skipped, as are matches
// outside the text, splitting a surrogate pair, or overlapping an edit
// already applied. It returns the corrected
// text and the number of edits applied.
func Apply(text string, matches []Match) (string, int) {
	units := utf16.Encode([]rune(text))

	edits := make([]Match, 0, len(matches))
	for _, m := range matches {
		if len(m.Replacements) > 0 && m.Replacements[0] != "" {
			edits = append(edits, m)
		}
	}
	sort.SliceStable(edits, func(i, j int) bool {
		return edits[i].Offset > edits[j].Offset
	})

	limit := len(units)
	applied := 0
	for _, m := range edits {
		start := m.Offset
		if start < 0 || m.Length < 0 || start > limit || m.Length > limit-start {
			continue
		}
		end := start + m.Length
		if splitsPair(units, start) || splitsPair(units, end) {
			continue
		}
		repl := utf16.Encode([]rune(m.Replacements[0]))
		out := make([]uint16, 0, len(units)-m.Length+len(repl))
		out = append(out, units[:start]...)
		out = append(out, repl...)
		out = append(out, units[end:]...)
		units = out
		limit = start
		applied++
	}
	return string(utf16.Decode(units)), applied
}

func splitsPair(units []uint16, i int) bool {
	return i > 0 && i < len(units) && units[i] >= 0xDC00 && units[i] <= 0xDFFF
}
