// Package namesanitizer validates configuration identifiers and derives the
// filesystem-safe cache key used by internal/cache and internal/history.
package namesanitizer

import (
	"regexp"
	"strings"

	"github.com/calview/calview/internal/apperr"
)

// reservedNames are forbidden case-insensitively, matching legacy Windows
// device names that also cause grief on shared POSIX/NTFS mounts.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// admissible reports whether r is a letter, digit, underscore, hyphen, or a
// code point at or above U+0080 (spec §3).
func admissible(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r == '_' || r == '-':
		return true
	case r >= 0x0080:
		return true
	default:
		return false
	}
}

// Sanitizer validates config identifiers and normalizes them into cache keys.
type Sanitizer interface {
	Sanitize(name string) (string, error)
	ToCacheKey(name string) (string, error)
}

// Default is the only Sanitizer implementation this service ships.
type Default struct{}

// New constructs the default Sanitizer.
func New() Sanitizer {
	return &Default{}
}

// Sanitize strips an optional ".json" suffix and validates the remaining
// name against the admissible-character and reserved-name rules of spec §3.
// It is idempotent: sanitizing an already-valid name returns it unchanged.
func (Default) Sanitize(name string) (string, error) {
	trimmed := strings.TrimSuffix(name, ".json")

	if trimmed == "" {
		return "", apperr.New(apperr.KindInvalidName, "config id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return "", apperr.New(apperr.KindInvalidName, "config id must not be \".\" or \"..\"")
	}
	if strings.HasPrefix(trimmed, ".") {
		return "", apperr.New(apperr.KindInvalidName, "config id must not start with a dot")
	}
	if strings.ContainsAny(trimmed, "/\\") {
		return "", apperr.New(apperr.KindInvalidName, "config id must not contain path separators")
	}
	if strings.Contains(trimmed, "..") {
		return "", apperr.New(apperr.KindInvalidName, "config id must not contain \"..\"")
	}
	if _, reserved := reservedNames[strings.ToLower(trimmed)]; reserved {
		return "", apperr.New(apperr.KindInvalidName, "config id must not be a reserved device name").
			WithDetails(map[string]string{"id": trimmed})
	}
	for _, r := range trimmed {
		if !admissible(r) {
			return "", apperr.New(apperr.KindInvalidName, "config id contains a forbidden character").
				WithDetails(map[string]string{"id": trimmed})
		}
	}

	return trimmed, nil
}

// ToCacheKey derives the filesystem-safe cache key for name (spec §3):
// structurally forbidden forms (path separators, "..", a leading dot,
// reserved device names) are still rejected, but unlike Sanitize, runs of
// whitespace and any other non-admissible byte are replaced with "_" rather
// than rejected, since the cache key only needs to be safe, not identical
// to a validated ConfigId.
func (Default) ToCacheKey(name string) (string, error) {
	trimmed := strings.TrimSuffix(name, ".json")

	if trimmed == "" {
		return "", apperr.New(apperr.KindInvalidName, "config id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return "", apperr.New(apperr.KindInvalidName, "config id must not be \".\" or \"..\"")
	}
	if strings.HasPrefix(trimmed, ".") {
		return "", apperr.New(apperr.KindInvalidName, "config id must not start with a dot")
	}
	if strings.ContainsAny(trimmed, "/\\") {
		return "", apperr.New(apperr.KindInvalidName, "config id must not contain path separators")
	}
	if strings.Contains(trimmed, "..") {
		return "", apperr.New(apperr.KindInvalidName, "config id must not contain \"..\"")
	}
	if _, reserved := reservedNames[strings.ToLower(trimmed)]; reserved {
		return "", apperr.New(apperr.KindInvalidName, "config id must not be a reserved device name").
			WithDetails(map[string]string{"id": trimmed})
	}

	key := whitespaceRun.ReplaceAllString(trimmed, "_")
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if admissible(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String(), nil
}
