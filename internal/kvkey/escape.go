package kvkey

import (
	"net/url"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// escapeComponent percent-escapes s with the encodeURIComponent character set, so
// browser code can produce and consume the same text.
func escapeComponent(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&15])
	}
	return sb.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// unescapeComponent inverts escapeComponent. '+' is kept literally.
func unescapeComponent(s string) (string, error) {
	return url.PathUnescape(s)
}

var (
	delimitedEscaper   = strings.NewReplacer("%", "%25", ",", "%2C")
	delimitedUnescaper = strings.NewReplacer("%2C", ",", "%2c", ",", "%25", "%")
)
