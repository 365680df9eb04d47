package tgui

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageRunes is the soft cap applied to outgoing Markdown messages.
// Telegram rejects anything past 4096 characters; staying under 4000 leaves
// headroom for the markers Balance may append.
const MaxMessageRunes = 4000

// Balance closes dangling Markdown markers so Telegram's legacy Markdown
// parser accepts the text. An odd count of *, _ or ` gets one closing
// marker appended. Text over MaxMessageRunes is truncated first.
func Balance(s string) string {
	if utf8.RuneCountInString(s) > MaxMessageRunes {
		s = TruncRunes(s, MaxMessageRunes-10)
	}
	for _, marker := range []string{"*", "_", "`"} {
		if strings.Count(s, marker)%2 != 0 {
			s += marker
		}
	}
	return s
}

// Escape neutralizes Markdown control characters in untrusted text that is
// interpolated into a Markdown message.
func Escape(s string) string {
	r := strings.NewReplacer(
		"_", `\_`,
		"*", `\*`,
		"`", "\\`",
		"[", `\[`,
	)
	return r.Replace(s)
}
