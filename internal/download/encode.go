package download

import (
	"strings"
)

const upperhex = "0123456789ABCDEF"

// reserved are the characters kept verbatim in addition to the RFC 3986 unreserved set.
const reserved = ":/?#[]@!$&'()*+,;=%"

// EncodeURL percent-encodes every byte outside the unreserved and reserved sets, so
// non-ASCII paths and spaces survive navigation while existing escapes and the URL
// structure stay intact.
func EncodeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if keepByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func keepByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return strings.IndexByte(reserved, c) >= 0
}
