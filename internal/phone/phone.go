// Package phone normalises WhatsApp addresses and compares phone numbers
// stored with or without country/area prefixes.
package phone

import (
	"strings"
)

// minSuffixDigits is the shortest stored number accepted for suffix matching.
// Anything shorter would match unrelated subscribers.
const minSuffixDigits = 8

const (
	groupServer = "@g.us"
	groupSuffix = "-group"
)

// Normalize drops any "@server" suffix and keeps only ASCII digits.
func Normalize(raw string) string {
	if idx := strings.IndexByte(raw, '@'); idx >= 0 {
		raw = raw[:idx]
	}
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		raw = raw[:idx]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Matches reports whether a and b refer to the same number, tolerating a
// missing country code (or country+area code) on either side.
func Matches(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	short, long := na, nb
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) < minSuffixDigits {
		return false
	}
	return strings.HasSuffix(long, short)
}

// IsGroup reports whether the address points at a group chat.
func IsGroup(addr string) bool {
	addr = strings.TrimSpace(strings.ToLower(addr))
	return strings.HasSuffix(addr, groupServer) || strings.HasSuffix(addr, groupSuffix)
}
