// Package sanitize cleans text received from AppVeyor before it is put into
// error messages, logs and MCP tool responses.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ANSI escape codes: \x1b[...m (SGR sequences)
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

	// Markup tags of HTML error pages served by proxies in front of the API.
	tagPattern = regexp.MustCompile(`<[^>]*>`)
)

// StripANSI removes ANSI escape codes.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Text strips escape codes and markup, drops control characters and invalid
// UTF-8, and collapses whitespace runs into single spaces.
func Text(s string) string {
	s = StripANSI(s)
	s = tagPattern.ReplaceAllString(s, " ")

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToValidUTF8(s, "") {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		case unicode.IsControl(r):
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Snippet returns Text(body) cut to at most max bytes, never inside a rune.
func Snippet(body []byte, max int) string {
	s := Text(string(body))
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
