package kvkey

import (
	"math"
	"strconv"
	"strings"
)

const (
	partSeparator = ","
	byteSeparator = "|"
)

// EncodeDelimited renders k as "<type>:<value>" tokens joined by commas, e.g.
// "string:users,number:42,Uint8Array:1|2|3". String values have '%' and ','
// escaped so any string survives the round trip.
func EncodeDelimited(k Key) string {
	tokens := make([]string, len(k))
	for i, p := range k {
		tokens[i] = p.Kind().Tag() + ":" + delimitedValue(p)
	}
	return strings.Join(tokens, partSeparator)
}

func delimitedValue(p Part) string {
	switch v := p.(type) {
	case Bytes:
		ints := make([]string, len(v))
		for i, b := range v {
			ints[i] = strconv.Itoa(int(b))
		}
		return strings.Join(ints, byteSeparator)
	case String:
		return delimitedEscaper.Replace(string(v))
	case BigInt:
		return v.String()
	case Number:
		return formatNumber(float64(v))
	case Bool:
		return strconv.FormatBool(bool(v))
	}
	return ""
}

// DecodeDelimited inverts EncodeDelimited. The empty string decodes to the empty
// key.
func DecodeDelimited(text string) (Key, error) {
	if text == "" {
		return Key{}, nil
	}

	tokens := strings.Split(text, partSeparator)
	k := make(Key, len(tokens))
	for i, tok := range tokens {
		tag, value, ok := strings.Cut(tok, ":")
		if !ok {
			return nil, decodeErr(i, "invalid key part format "+strconv.Quote(tok), nil)
		}
		p, err := parseDelimitedPart(i, tag, value)
		if err != nil {
			return nil, err
		}
		k[i] = p
	}
	return k, nil
}

func parseDelimitedPart(i int, tag, value string) (Part, error) {
	kind, ok := kindForTag(tag)
	if !ok {
		return nil, decodeErr(i, "unsupported key part type "+strconv.Quote(tag), nil)
	}

	switch kind {
	case KindString:
		return String(delimitedUnescaper.Replace(value)), nil
	case KindNumber:
		f, err := parseNumber(value)
		if err != nil {
			return nil, decodeErr(i, "number part "+strconv.Quote(value)+" is not numeric", err)
		}
		return Number(f), nil
	case KindBigInt:
		b, ok := ParseBigInt(value)
		if !ok {
			return nil, decodeErr(i, "bigint part "+strconv.Quote(value)+" is not a base-10 integer", nil)
		}
		return b, nil
	case KindBool:
		b, err := strconv.ParseBool(value)
		if err != nil || (value != "true" && value != "false") {
			return nil, decodeErr(i, "boolean part "+strconv.Quote(value)+" is not true or false", nil)
		}
		return Bool(b), nil
	case KindBytes:
		if value == "" {
			return Bytes{}, nil
		}
		fields := strings.Split(value, byteSeparator)
		out := make(Bytes, len(fields))
		for j, f := range fields {
			n, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				return nil, decodeErr(i, "byte "+strconv.Quote(f)+" is not an integer in 0..255", err)
			}
			out[j] = byte(n)
		}
		return out, nil
	}
	return nil, decodeErr(i, "unsupported key part type "+strconv.Quote(tag), nil)
}

// formatNumber renders f with the shortest representation that parses back to
// the same bits.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func parseNumber(s string) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity", "+Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}
