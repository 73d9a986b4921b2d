package notify

import (
	"regexp"
	"strings"
)

// CSI sequences (colors, cursor movement) and OSC sequences (titles,
// hyperlinks) terminated by BEL or ST.
var escapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// Sanitize removes terminal escape sequences and control characters other
// than newline and tab from agent- or model-supplied text before display.
func Sanitize(s string) string {
	s = escapeRegex.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if (r < 0x20 && r != '\n' && r != '\t') || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
