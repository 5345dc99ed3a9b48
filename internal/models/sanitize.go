package models

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// StripMarkup removes HTML tags from free text and trims it. Text without
// a '<' is only trimmed, so ampersands and quotes survive unescaped.
func StripMarkup(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsRune(s, '<') {
		return s
	}
	return strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(s)))
}

func stripMarkupPtr(dst *string, src *string) {
	if src != nil {
		*dst = StripMarkup(*src)
	}
}
