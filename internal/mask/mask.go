// Package mask implements deterministic partial redaction of contact fields
// for preview payloads.
package mask

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var emailRe = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// Email masks an address to first-character-only form:
// alice@acme.com -> a***@a***.com. The TLD is preserved so the preview
// still signals authenticity. Invalid addresses are returned unchanged.
func Email(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailRe.MatchString(email) {
		return email
	}

	at := strings.IndexByte(email, '@')
	local, domain := email[:at], email[at+1:]

	dot := strings.LastIndexByte(domain, '.')
	name, tld := domain[:dot], domain[dot:]

	return maskPart(local) + "@" + maskPart(name) + tld
}

func maskPart(s string) string {
	if len(s) <= 1 {
		return s
	}
	return s[:1] + "***"
}

// Phone hides all but the last two digits of a phone number.
func Phone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 2 {
		return phone
	}

	var b strings.Builder
	seen := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= digits-2 {
				b.WriteRune('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Name reduces a full name to initials: "Alice Carter" -> "A. C.".
func Name(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		// First rune, not first byte: names are not ASCII-guarded the
		// way emails are.
		r, _ := utf8.DecodeRuneInString(f)
		parts = append(parts, strings.ToUpper(string(r))+".")
	}
	return strings.Join(parts, " ")
}
