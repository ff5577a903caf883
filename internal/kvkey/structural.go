package kvkey

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// StructuralPart is the JSON-tree form of one key part. Value holds a string for
// string and bigint parts, a float64 (or "NaN", "Infinity", "-Infinity") for
// numbers, a bool for booleans and a []int for byte sequences.
type StructuralPart struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// ToStructural converts k to its JSON-tree form.
func ToStructural(k Key) ([]StructuralPart, error) {
	out := make([]StructuralPart, len(k))
	for i, p := range k {
		sp, err := partToStructural(p)
		if err != nil {
			return nil, decodeErr(i, "unsupported part", err)
		}
		out[i] = sp
	}
	return out, nil
}

func partToStructural(p Part) (StructuralPart, error) {
	switch v := p.(type) {
	case Bytes:
		ints := make([]int, len(v))
		for i, b := range v {
			ints[i] = int(b)
		}
		return StructuralPart{Type: TagBytes, Value: ints}, nil
	case String:
		return StructuralPart{Type: TagString, Value: string(v)}, nil
	case BigInt:
		return StructuralPart{Type: TagBigInt, Value: v.String()}, nil
	case Number:
		f := float64(v)
		switch {
		case math.IsNaN(f):
			return StructuralPart{Type: TagNumber, Value: "NaN"}, nil
		case math.IsInf(f, 1):
			return StructuralPart{Type: TagNumber, Value: "Infinity"}, nil
		case math.IsInf(f, -1):
			return StructuralPart{Type: TagNumber, Value: "-Infinity"}, nil
		}
		return StructuralPart{Type: TagNumber, Value: f}, nil
	case Bool:
		return StructuralPart{Type: TagBool, Value: bool(v)}, nil
	case nil:
		return StructuralPart{}, fmt.Errorf("nil part")
	}
	return StructuralPart{}, fmt.Errorf("unknown part type %T", p)
}

// FromStructural converts the JSON-tree form back to a key. It accepts values as
// produced by ToStructural and as produced by encoding/json decoding into any
// (with or without UseNumber).
func FromStructural(parts []StructuralPart) (Key, error) {
	k := make(Key, len(parts))
	for i, sp := range parts {
		p, err := partFromStructural(sp)
		if err != nil {
			return nil, decodeErr(i, err.Error(), nil)
		}
		k[i] = p
	}
	return k, nil
}

func partFromStructural(sp StructuralPart) (Part, error) {
	kind, ok := kindForTag(sp.Type)
	if !ok {
		return nil, fmt.Errorf("unsupported key part type %q", sp.Type)
	}

	switch kind {
	case KindString:
		s, ok := sp.Value.(string)
		if !ok {
			return nil, fmt.Errorf("string part has %T value", sp.Value)
		}
		return String(s), nil

	case KindBigInt:
		var text string
		switch v := sp.Value.(type) {
		case string:
			text = v
		case json.Number:
			text = v.String()
		default:
			return nil, fmt.Errorf("bigint part has %T value", sp.Value)
		}
		b, ok := ParseBigInt(text)
		if !ok {
			return nil, fmt.Errorf("bigint part %q is not a base-10 integer", text)
		}
		return b, nil

	case KindNumber:
		f, err := structuralNumber(sp.Value)
		if err != nil {
			return nil, err
		}
		return Number(f), nil

	case KindBool:
		b, ok := sp.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("boolean part has %T value", sp.Value)
		}
		return Bool(b), nil

	case KindBytes:
		return structuralBytes(sp.Value)
	}
	return nil, fmt.Errorf("unsupported key part type %q", sp.Type)
}

func structuralNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("number part %q: %w", n.String(), err)
		}
		return f, nil
	case string:
		switch n {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("number part has non-numeric value %q", n)
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("number part has %T value", v)
}

func structuralBytes(v any) (Part, error) {
	switch raw := v.(type) {
	case []byte:
		return Bytes(append([]byte{}, raw...)), nil
	case []int:
		out := make(Bytes, len(raw))
		for i, n := range raw {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("byte %d out of range: %d", i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	case []any:
		out := make(Bytes, len(raw))
		for i, item := range raw {
			f, err := structuralNumber(item)
			if err != nil || f != math.Trunc(f) || f < 0 || f > 255 {
				return nil, fmt.Errorf("byte %d is not an integer in 0..255", i)
			}
			out[i] = byte(f)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("Uint8Array part has no value")
	}
	return nil, fmt.Errorf("Uint8Array part has %T value", v)
}

// EncodeStructural serializes k as compact JSON of its structural form and
// percent-escapes the result for use in a URL component.
func EncodeStructural(k Key) (string, error) {
	parts, err := ToStructural(k)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(parts); err != nil {
		return "", fmt.Errorf("failed to marshal key: %w", err)
	}
	return escapeComponent(strings.TrimSuffix(buf.String(), "\n")), nil
}

// DecodeStructural inverts EncodeStructural. The empty string decodes to the
// empty key. Text that is already unescaped JSON is parsed as is.
func DecodeStructural(text string) (Key, error) {
	if text == "" {
		return Key{}, nil
	}
	if strings.HasPrefix(strings.TrimLeft(text, " \t\r\n"), "[") {
		return parseStructuralJSON(text)
	}
	raw, err := unescapeComponent(text)
	if err != nil {
		return nil, decodeErr(-1, "bad percent-escaping", err)
	}
	return parseStructuralJSON(raw)
}

func parseStructuralJSON(raw string) (Key, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var parts []StructuralPart
	if err := dec.Decode(&parts); err != nil {
		return nil, decodeErr(-1, "malformed structural key", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, decodeErr(-1, "trailing data after structural key", nil)
	}
	if parts == nil {
		return nil, decodeErr(-1, "structural key must be an array", nil)
	}
	return FromStructural(parts)
}
