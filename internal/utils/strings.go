package utils

import (
	"strings"
	"unicode"
)

// NormalizeName trims the value and collapses inner runs of whitespace.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeEmail normalizes email addresses (lowercase and trim)
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone keeps digits and a leading +
func NormalizePhone(phone string) string {
	cleaned := strings.TrimSpace(phone)
	if cleaned == "" {
		return ""
	}

	var result strings.Builder
	for i, r := range cleaned {
		if i == 0 && r == '+' {
			result.WriteRune(r)
		} else if r >= '0' && r <= '9' {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// IsValidPhone performs basic phone validation
func IsValidPhone(phone string) bool {
	normalized := NormalizePhone(phone)
	digits := strings.TrimPrefix(normalized, "+")
	if len(digits) < 7 || len(digits) > 15 { // E.164 upper bound
		return false
	}

	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
