package util

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone strips every non-digit character. Every component that
// hashes, encrypts, or compares a phone number must go through this
// first or blind-index lookups will silently miss.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidatePhone normalizes and checks basic shape. Returns the
// normalized digits-only form.
func ValidatePhone(phone string) (string, error) {
	normalized := NormalizePhone(phone)
	if len(normalized) < 8 || len(normalized) > 15 {
		return "", ErrInvalidPhone
	}
	return normalized, nil
}

// NormalizeEmail lowercases and trims an email address so uniqueness
// checks are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail is a cheap structural check; real validation happens when
// a code is delivered to the address.
func ValidEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return strings.IndexByte(email[at+1:], '.') > 0
}
