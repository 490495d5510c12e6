package crm

import (
	"regexp"
	"strings"
)

var nonDigitRegex = regexp.MustCompile(`\D`)

// Field names normalized before storage and comparison. Cosmetic differences
// in casing or phone formatting between the two stores must not register as
// field changes, or every incremental pull would raise spurious conflicts.
var (
	emailFields = map[string]struct{}{"email": {}}
	phoneFields = map[string]struct{}{"phone": {}, "mobile": {}}
)

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhoneE164 normalizes a phone number to E.164 format. Bare
// ten-digit numbers are assumed to be NANP and get a +1 prefix.
func NormalizePhoneE164(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}

	hasPlus := strings.HasPrefix(phone, "+")
	digits := nonDigitRegex.ReplaceAllString(phone, "")
	if digits == "" {
		return ""
	}

	if len(digits) == 10 && !hasPlus {
		return "+1" + digits
	}

	return "+" + digits
}

// NormalizeFields returns a copy of the field set with email and phone
// values normalized. Other fields pass through unchanged.
func NormalizeFields(fields FieldSet) FieldSet {
	out := fields.Clone()
	for name, value := range out {
		if _, ok := emailFields[name]; ok {
			out[name] = NormalizeEmail(value)
			continue
		}
		if _, ok := phoneFields[name]; ok {
			out[name] = NormalizePhoneE164(value)
		}
	}
	return out
}
