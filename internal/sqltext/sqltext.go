// Package sqltext holds the pure text helpers applied to model output before
// anything reaches the warehouse: fenced-block extraction and the mutation gate.
package sqltext

import (
	"regexp"
	"strings"
	"unicode"
)

// Only the newline before the closing fence is part of the delimiter, so a
// trailing carriage return stays in the captured body.
var fencedSQLPattern = regexp.MustCompile("(?s)```sql[ \\t]*\\r?\\n(.*?)\\n?```")

var mutatingVerbs = map[string]struct{}{
	"drop":     {},
	"alter":    {},
	"truncate": {},
	"delete":   {},
	"insert":   {},
	"update":   {},
}

// Extract returns the body of the first ```sql fenced block in text.
// The body is returned exactly as captured; ok is false when no block exists.
func Extract(text string) (string, bool) {
	match := fencedSQLPattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// ExtractStatement is Extract with blank bodies reported as a miss.
func ExtractStatement(text string) (string, bool) {
	body, ok := Extract(text)
	if !ok || strings.TrimSpace(body) == "" {
		return "", false
	}
	return body, true
}

// IsMutating reports whether the statement starts with a schema or data
// modifying verb. It only looks at the first word and is not an injection guard.
func IsMutating(sqlText string) bool {
	_, ok := mutatingVerbs[FirstKeyword(sqlText)]
	return ok
}

// FirstKeyword returns the lower-cased leading word of sqlText.
func FirstKeyword(sqlText string) string {
	trimmed := strings.TrimLeftFunc(sqlText, unicode.IsSpace)
	end := strings.IndexFunc(trimmed, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	if end < 0 {
		end = len(trimmed)
	}
	return strings.ToLower(trimmed[:end])
}
