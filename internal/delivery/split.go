// Package delivery turns one logical reply into size-bounded message parts and
// sends them through an outbound channel in order.
package delivery

import (
	"strings"
	"unicode/utf8"
)

// DefaultLimit is the per-message character limit used when neither the
// dispatcher options nor the channel provide one.
const DefaultLimit = 5000

// Split breaks text into ordered parts of at most limit characters (runes).
// Lines are packed greedily and part boundaries fall on line breaks, so
// strings.Join(parts, "\n") reproduces text as long as every line fits. A line
// longer than limit is cut at rune boundaries instead; its pieces rejoin with
// no separator, so the "\n" join no longer matches text there.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	var cur strings.Builder
	curLen := 0
	open := false

	flush := func() {
		parts = append(parts, cur.String())
		cur.Reset()
		curLen = 0
		open = false
	}

	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if open && curLen+1+n <= limit {
			cur.WriteByte('\n')
			cur.WriteString(line)
			curLen += 1 + n
			continue
		}
		if open {
			flush()
		}
		for n > limit {
			head, rest := cutRunes(line, limit)
			parts = append(parts, head)
			line = rest
			n -= limit
		}
		cur.WriteString(line)
		curLen = n
		open = true
	}
	if open {
		flush()
	}
	return parts
}

// cutRunes splits s after its first n runes.
func cutRunes(s string, n int) (string, string) {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return s[:i], s[i:]
}
