// Package sanitize strips markup from user-authored text.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// Text removes every HTML element from value and returns plain text. Entities
// produced by the policy are decoded again so the text reads as typed.
func Text(value string) string {
	cleaned := strictPolicy.Sanitize(value)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}

// Preview shortens text to at most limit runes, appending an ellipsis when cut.
func Preview(value string, limit int) string {
	runes := []rune(strings.Join(strings.Fields(value), " "))
	if limit <= 0 || len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "…"
}
