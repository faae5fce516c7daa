// Package textfmt renders user-authored message text into the wire form the
// transport expects. Applied once per batch at admission, never per attempt.
package textfmt

import (
	"strings"
)

// WhatsApp uses single markers for rich text, while most composer UIs emit
// markdown-style doubles. Replacements run in order; doubles first.
var markerReplacer = strings.NewReplacer(
	"**", "*",
	"__", "_",
	"~~", "~",
)

var shortcodes = map[string]string{
	":smile:":     "😄",
	":grin:":      "😁",
	":wink:":      "😉",
	":heart:":     "❤️",
	":thumbsup:":  "👍",
	":fire:":      "🔥",
	":tada:":      "🎉",
	":check:":     "✅",
	":cross:":     "❌",
	":warning:":   "⚠️",
	":phone:":     "📱",
	":megaphone:": "📣",
}

// Render converts composer markers to transport markers and expands emoji
// shortcodes. Unknown shortcodes pass through untouched.
func Render(raw string) string {
	out := markerReplacer.Replace(raw)
	if !strings.Contains(out, ":") {
		return out
	}
	for code, emoji := range shortcodes {
		out = strings.ReplaceAll(out, code, emoji)
	}
	return out
}
