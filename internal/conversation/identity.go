package conversation

import (
	"strings"
	"unicode"
)

// IsBroadcastSender reports whether a chat address belongs to a group or a
// status update rather than a customer.
func IsBroadcastSender(from string) bool {
	return strings.Contains(from, "@g.us") || strings.Contains(from, "status")
}

// CustomerIDFromSender keeps only the digits of a chat address, so
// "5511999999999@c.us" and "+55 11 99999-9999" map to the same customer.
func CustomerIDFromSender(from string) string {
	var b strings.Builder
	for _, r := range from {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// cleanName drops emoji and symbols from a display name before it goes
// into the calendar.
func cleanName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func displayName(name, customerID string) string {
	if n := cleanName(name); n != "" {
		return n
	}
	return "Cliente " + customerID
}
