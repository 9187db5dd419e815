package app

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Content is stored and served as plain text; clients render it escaped.
var textPolicy = bluemonday.StrictPolicy()

// cleanText strips markup from user content, undoes the entity escaping the
// policy applies to the remaining text, and trims it.
func cleanText(input string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(input)))
}

func tooLong(value string, max int) bool {
	return utf8.RuneCountInString(value) > max
}
