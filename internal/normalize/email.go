// Package normalize turns raw communication endpoints (email addresses,
// phone numbers) into canonical comparison keys. All functions are pure:
// same input, same output, no I/O.
package normalize

import "strings"

// Email canonicalizes a raw email address for matching.
// It extracts the bracketed address from display-name forms
// (`"John Doe" <john@x.com>`), trims whitespace and quote characters,
// lowercases, and strips a `+tag` sub-address suffix from the local part.
// Returns "" when the input is not a usable address (missing or repeated
// `@`, empty local part or domain).
func Email(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	// Display-name form: take the last angle-bracketed token.
	if i := strings.LastIndex(s, "<"); i >= 0 {
		j := strings.Index(s[i:], ">")
		if j < 0 {
			return ""
		}
		s = s[i+1 : i+j]
	}

	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, "\"'")

	if strings.Count(s, "@") != 1 {
		return ""
	}
	at := strings.Index(s, "@")
	local, domain := s[:at], s[at+1:]
	if local == "" || domain == "" || !strings.Contains(domain, ".") {
		return ""
	}

	// Sub-addressing: a+tag@x.com matches a@x.com.
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}

	return local + "@" + domain
}

// EmailDomain returns the domain part of an already-normalized email,
// or "" if the input is not a normalized address.
func EmailDomain(normalized string) string {
	at := strings.LastIndex(normalized, "@")
	if at <= 0 || at >= len(normalized)-1 {
		return ""
	}
	return normalized[at+1:]
}
