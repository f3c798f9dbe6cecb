// Package email provides common email address utility functions.
package email

import (
	"net/mail"
	"strings"
)

// Valid reports whether the address parses as a deliverable RFC 5322
// address with a non-empty domain.
func Valid(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return ExtractDomain(addr.Address) != ""
}

// Normalize returns the bare lowercase address, stripping any display name.
// Returns empty string if the address is invalid.
func Normalize(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return ""
	}
	return strings.ToLower(addr.Address)
}

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		// Try simple extraction for malformed addresses
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return strings.ToLower(email[at+1:])
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}
