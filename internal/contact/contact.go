// Package contact canonicalizes external contact identifiers.
package contact

import (
	"strings"
	"unicode"
)

// Normalize returns the canonical form of a contact id. Phone-like ids
// ("+1 (555) 123-4567", "15551234567") reduce to their digits so provider
// payloads and API callers agree; anything else is only trimmed.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return id
		}
	}
	if b.Len() == 0 {
		return id
	}
	return b.String()
}
