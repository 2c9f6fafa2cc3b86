// Package slug normalizes and validates page identifiers. A slug is the
// page's path inside the repository tree with redundant separators removed.
package slug

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"smeagol/internal/errors"
)

const separator = "/"

// MaxLength bounds a slug in bytes.
const MaxLength = 1024

// Normalize collapses repeated separators and strips leading and trailing ones.
// It does not validate; see Parse.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSep := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == separator[0] {
			if prevSep {
				continue
			}
			prevSep = true
		} else {
			prevSep = false
		}
		b.WriteByte(c)
	}
	return strings.TrimSuffix(b.String(), separator)
}

// Parse normalizes s and rejects slugs that cannot name a file in a Git tree.
func Parse(s string) (string, error) {
	n := Normalize(s)
	if n == "" {
		return "", errors.ValidationError("slug is empty", nil)
	}
	if len(n) > MaxLength {
		return "", errors.ValidationError(fmt.Sprintf("slug exceeds %d bytes", MaxLength), nil)
	}
	if !utf8.ValidString(n) {
		return "", errors.ValidationError("slug is not valid UTF-8", nil)
	}
	for _, seg := range strings.Split(n, separator) {
		switch {
		case seg == "." || seg == "..":
			return "", errors.ValidationError("slug contains a relative segment", map[string]string{"slug": n})
		case strings.EqualFold(seg, ".git"):
			return "", errors.ValidationError("slug names git metadata", map[string]string{"slug": n})
		case strings.ContainsAny(seg, "\x00\\"):
			return "", errors.ValidationError("slug contains a forbidden character", map[string]string{"slug": n})
		}
	}
	return n, nil
}

// Split returns the first segment of s and the remainder.
func Split(s string) (first, rest string) {
	if i := strings.Index(s, separator); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
