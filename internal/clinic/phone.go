package clinic

import "strings"

// NormalizePhone canonicalizes a caller phone number: strip everything
// but digits, then replace a single leading zero with the clinic country
// code (Australian numbers arrive as 04xx from the telephony provider).
func NormalizePhone(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, "0") && countryCode != "" {
		return countryCode + digits[1:]
	}
	return digits
}

// MaskPhone redacts a normalized number for logs: first three and last
// two digits survive.
func MaskPhone(phone string) string {
	if len(phone) < 6 {
		return "***"
	}
	return phone[:3] + "***" + phone[len(phone)-2:]
}
