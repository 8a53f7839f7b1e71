package views

import (
	"strings"
	"unicode"
)

// sanitizeForTerminal strips runes that the terminal renderer mishandles
// or that a peer could use to drive the terminal: C0/C1 controls other
// than newline, emoji modifiers and joiners, and variation selectors.
// Tabs become a single space.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t':
			return ' '
		case unicode.IsControl(r), dropsInTerminal(r):
			return -1
		}
		return r
	}, s)
}

// sanitizeLine is sanitizeForTerminal for single-line cells: newlines
// collapse to spaces.
func sanitizeLine(s string) string {
	return strings.ReplaceAll(sanitizeForTerminal(s), "\n", " ")
}

func dropsInTerminal(r rune) bool {
	switch {
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tones
		return true
	case r == 0x200D: // ZWJ
		return true
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF:
		return true
	}
	return false
}
