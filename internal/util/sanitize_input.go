package util

import (
	"html"
	"strings"
	"unicode/utf8"
)

const maxClientFieldLen = 256

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// SanitizeClientField trims and escapes request metadata such as the user
// agent before it is written to the audit trail, capping its length.
func SanitizeClientField(s string) string {
	s = SanitizeInput(s)
	if len(s) <= maxClientFieldLen {
		return s
	}
	s = s[:maxClientFieldLen]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
