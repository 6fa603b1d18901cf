package logging

import "strings"

// MaskEmail keeps the first and last character of every part of an address,
// e.g. "alice@example.com" becomes "a***e@e*****e.c*m". Non-addresses are
// returned unchanged.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}

	dParts := strings.Split(s[at+1:], ".")
	for i, p := range dParts {
		dParts[i] = maskPart(p)
	}
	return maskPart(s[:at]) + "@" + strings.Join(dParts, ".")
}

func maskPart(part string) string {
	if len(part) <= 2 {
		return strings.Repeat("*", len(part))
	}
	return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
}
