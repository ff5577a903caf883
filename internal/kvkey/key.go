// Package kvkey implements typed, ordered keys for the remote key-value store and
// the codecs that move them across the HTTP boundary without losing part types.
package kvkey

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Kind identifies the variant of a key part. The numeric order matches the order
// in which the store sorts parts of different kinds.
type Kind uint8

const (
	KindBytes Kind = iota + 1
	KindString
	KindBigInt
	KindNumber
	KindBool
)

// Type tags used by the text codecs.
const (
	TagBytes  = "Uint8Array"
	TagString = "string"
	TagBigInt = "bigint"
	TagNumber = "number"
	TagBool   = "boolean"
)

// Tag returns the text-codec tag of the kind.
func (k Kind) Tag() string {
	switch k {
	case KindBytes:
		return TagBytes
	case KindString:
		return TagString
	case KindBigInt:
		return TagBigInt
	case KindNumber:
		return TagNumber
	case KindBool:
		return TagBool
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func kindForTag(tag string) (Kind, bool) {
	switch tag {
	case TagBytes:
		return KindBytes, true
	case TagString:
		return KindString, true
	case TagBigInt:
		return KindBigInt, true
	case TagNumber:
		return KindNumber, true
	case TagBool:
		return KindBool, true
	}
	return 0, false
}

// Part is one typed element of a Key. The set of implementations is closed:
// Bytes, String, BigInt, Number and Bool.
type Part interface {
	Kind() Kind
	isPart()
}

// Bytes is a raw byte-sequence key part.
type Bytes []byte

// String is a UTF-8 string key part.
type String string

// Number is an IEEE-754 double key part.
type Number float64

// Bool is a boolean key part.
type Bool bool

// BigInt is an arbitrary-precision integer key part. The zero value is 0.
type BigInt struct {
	v *big.Int
}

func (Bytes) Kind() Kind  { return KindBytes }
func (String) Kind() Kind { return KindString }
func (BigInt) Kind() Kind { return KindBigInt }
func (Number) Kind() Kind { return KindNumber }
func (Bool) Kind() Kind   { return KindBool }

func (Bytes) isPart()  {}
func (String) isPart() {}
func (BigInt) isPart() {}
func (Number) isPart() {}
func (Bool) isPart()   {}

// NewBigInt copies v into a BigInt part. A nil v yields 0.
func NewBigInt(v *big.Int) BigInt {
	if v == nil {
		return BigInt{}
	}
	return BigInt{v: new(big.Int).Set(v)}
}

// Int64 returns a BigInt part holding n.
func Int64(n int64) BigInt {
	return BigInt{v: big.NewInt(n)}
}

// ParseBigInt parses a base-10 integer, with an optional leading sign.
func ParseBigInt(s string) (BigInt, bool) {
	if s == "" {
		return BigInt{}, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return BigInt{}, false
	}
	return BigInt{v: v}, true
}

// Int returns a copy of the integer value.
func (b BigInt) Int() *big.Int {
	if b.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b.v)
}

func (b BigInt) String() string {
	if b.v == nil {
		return "0"
	}
	return b.v.String()
}

// Key is an ordered sequence of parts.
type Key []Part

// Equal reports whether a and b have the same parts in the same order, with the
// same kinds and values. Numbers compare by bit pattern, except that any two NaNs
// are equal.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if !PartEqual(k[i], other[i]) {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a leading subsequence of k.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	return k[:len(prefix)].Equal(prefix)
}

// Append returns a new key with parts appended; k is not modified.
func (k Key) Append(parts ...Part) Key {
	out := make(Key, 0, len(k)+len(parts))
	out = append(out, k...)
	return append(out, parts...)
}

// String renders the key for logs, e.g. ["users", 42n, true].
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, p := range k {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(partString(p))
	}
	sb.WriteByte(']')
	return sb.String()
}

func partString(p Part) string {
	switch v := p.(type) {
	case Bytes:
		return fmt.Sprintf("Uint8Array(%x)", []byte(v))
	case String:
		return fmt.Sprintf("%q", string(v))
	case BigInt:
		return v.String() + "n"
	case Number:
		return formatNumber(float64(v))
	case Bool:
		if v {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%v", p)
}

// PartEqual compares two parts by kind and value.
func PartEqual(a, b Part) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case Bytes:
		return bytes.Equal(av, b.(Bytes))
	case String:
		return av == b.(String)
	case BigInt:
		bv := b.(BigInt)
		return av.Int().Cmp(bv.Int()) == 0
	case Number:
		x, y := float64(av), float64(b.(Number))
		if math.IsNaN(x) || math.IsNaN(y) {
			return math.IsNaN(x) && math.IsNaN(y)
		}
		return math.Float64bits(x) == math.Float64bits(y)
	case Bool:
		return av == b.(Bool)
	}
	return false
}

// ParsePath builds a key of string parts from URL path segments, skipping empty
// segments.
func ParsePath(segments []string) Key {
	k := make(Key, 0, len(segments))
	for _, s := range segments {
		if s == "" {
			continue
		}
		k = append(k, String(s))
	}
	return k
}
