// Package slug converts card titles into branch-name-safe slugs.
package slug

import (
	"regexp"
	"strings"
)

var (
	nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
	hyphens  = regexp.MustCompile(`-+`)
)

// maxLen bounds slugs so that branch names stay readable.
const maxLen = 50

// Sanitize cleans a string into a slug: lowercase, runs of anything
// outside [a-z0-9] collapsed to a single hyphen, no leading or trailing
// hyphen, at most 50 characters. Sanitize is idempotent.
func Sanitize(input string) string {
	s := strings.ToLower(input)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = hyphens.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxLen {
		s = s[:maxLen]
		s = strings.Trim(s, "-")
	}
	return s
}
