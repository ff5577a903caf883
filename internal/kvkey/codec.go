package kvkey

import (
	"fmt"
	"strings"
)

// Format selects a text encoding strategy.
type Format string

const (
	FormatStructural Format = "structural"
	FormatDelimited  Format = "delimited"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatStructural, "":
		return FormatStructural, nil
	case FormatDelimited:
		return FormatDelimited, nil
	}
	return "", fmt.Errorf("unknown key format %q (want structural or delimited)", s)
}

// Encode renders k with the given format.
func Encode(k Key, f Format) (string, error) {
	switch f {
	case FormatDelimited:
		return EncodeDelimited(k), nil
	case FormatStructural, "":
		return EncodeStructural(k)
	}
	return "", fmt.Errorf("unknown key format %q", f)
}

// Decode accepts text produced by either EncodeStructural or EncodeDelimited.
// Structural text is a JSON array, so once unescaped it begins with '['; the
// delimited form always begins with a type tag.
func Decode(text string) (Key, error) {
	if text == "" {
		return Key{}, nil
	}
	if isStructural(text) {
		return DecodeStructural(text)
	}
	return DecodeDelimited(text)
}

func isStructural(text string) bool {
	t := strings.TrimLeft(text, " \t\r\n")
	return strings.HasPrefix(t, "[") || strings.HasPrefix(strings.ToUpper(t), "%5B")
}
