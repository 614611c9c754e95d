// Package phone canonicalizes phone numbers into the digit-only,
// country-code-prefixed form used as contact identity across the gateway.
package phone

import "strings"

// countryCodes are the two-digit prefixes we can detect without a hint.
// A long digit string starting with one of these is assumed to already
// carry its country code.
var countryCodes = []string{"62", "60", "63", "65", "66", "84"}

// Canonical normalizes raw into canonical form: digits only, no leading
// zeros, prefixed with a country code. defaultCC is used when no code can
// be detected from the number itself. The result is stable: feeding a
// canonical number back in returns it unchanged. Empty or symbol-only
// input yields "".
func Canonical(raw, defaultCC string) string {
	digits := Digits(raw)
	if digits == "" {
		return ""
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return ""
	}

	cc := detectCountryCode(digits)
	if cc == "" {
		cc = Digits(defaultCC)
	}
	if cc == "" {
		return digits
	}
	if strings.HasPrefix(digits, cc) {
		return digits
	}
	return cc + digits
}

// Equal reports whether two raw numbers identify the same contact under
// the same default country code.
func Equal(a, b, defaultCC string) bool {
	return Canonical(a, defaultCC) == Canonical(b, defaultCC)
}

// Digits strips everything but ASCII digits.
func Digits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// detectCountryCode returns a known country code when the digit string is
// long enough that it must already include one. Local numbers (10 digits
// or fewer after zero-stripping) are never treated as prefixed, so a
// default code can be applied safely.
func detectCountryCode(digits string) string {
	if len(digits) < 11 || len(digits) > 14 {
		return ""
	}
	for _, cc := range countryCodes {
		if strings.HasPrefix(digits, cc) {
			return cc
		}
	}
	return ""
}
