package kvkey

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"
)

// Binary type codes. Their numeric order is the order the store sorts kinds in.
const (
	codeBytes       byte = 0x01
	codeString      byte = 0x02
	codeNegIntStart byte = 0x0b
	codeIntZero     byte = 0x14
	codePosIntEnd   byte = 0x1d
	codeDouble      byte = 0x21
	codeFalse       byte = 0x26
	codeTrue        byte = 0x27

	escapeByte byte = 0xff
	maxIntLen       = 255
)

var canonicalNaN = math.Float64frombits(0x7ff8000000000000)

// MarshalBinary encodes k with the order-preserving tuple layout used on the
// store's data path: comparing two encodings bytewise orders them the same way
// the store orders the keys.
func MarshalBinary(k Key) ([]byte, error) {
	var buf []byte
	for i, p := range k {
		var err error
		buf, err = appendPart(buf, p)
		if err != nil {
			return nil, fmt.Errorf("key part %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendPart(buf []byte, p Part) ([]byte, error) {
	switch v := p.(type) {
	case Bytes:
		buf = append(buf, codeBytes)
		return appendEscaped(buf, v), nil
	case String:
		buf = append(buf, codeString)
		return appendEscaped(buf, []byte(v)), nil
	case BigInt:
		return appendBigInt(buf, v)
	case Number:
		return appendDouble(buf, float64(v)), nil
	case Bool:
		if v {
			return append(buf, codeTrue), nil
		}
		return append(buf, codeFalse), nil
	}
	return nil, fmt.Errorf("unsupported part type %T", p)
}

func appendEscaped(buf, raw []byte) []byte {
	for _, c := range raw {
		buf = append(buf, c)
		if c == 0x00 {
			buf = append(buf, escapeByte)
		}
	}
	return append(buf, 0x00)
}

func appendBigInt(buf []byte, v BigInt) ([]byte, error) {
	n := v.Int()
	if n.Sign() == 0 {
		return append(buf, codeIntZero), nil
	}

	mag := new(big.Int).Abs(n).Bytes()
	if len(mag) > maxIntLen {
		return nil, fmt.Errorf("bigint too large: %d bytes", len(mag))
	}

	if n.Sign() > 0 {
		if len(mag) <= 8 {
			buf = append(buf, codeIntZero+byte(len(mag)))
		} else {
			buf = append(buf, codePosIntEnd, byte(len(mag)))
		}
		return append(buf, mag...), nil
	}

	if len(mag) <= 8 {
		buf = append(buf, codeIntZero-byte(len(mag)))
	} else {
		buf = append(buf, codeNegIntStart, byte(len(mag))^0xff)
	}
	for _, c := range mag {
		buf = append(buf, ^c)
	}
	return buf, nil
}

func appendDouble(buf []byte, f float64) []byte {
	if math.IsNaN(f) {
		f = canonicalNaN
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf = append(buf, codeDouble)
	return binary.BigEndian.AppendUint64(buf, bits)
}

// UnmarshalBinary decodes a tuple-encoded key.
func UnmarshalBinary(data []byte) (Key, error) {
	k := Key{}
	for pos := 0; pos < len(data); {
		p, next, err := readPart(data, pos)
		if err != nil {
			return nil, decodeErr(len(k), err.Error(), nil)
		}
		k = append(k, p)
		pos = next
	}
	return k, nil
}

func readPart(data []byte, pos int) (Part, int, error) {
	code := data[pos]
	pos++

	switch {
	case code == codeBytes:
		raw, next, err := readEscaped(data, pos)
		if err != nil {
			return nil, 0, err
		}
		return Bytes(raw), next, nil

	case code == codeString:
		raw, next, err := readEscaped(data, pos)
		if err != nil {
			return nil, 0, err
		}
		if !utf8.Valid(raw) {
			return nil, 0, fmt.Errorf("string part is not valid UTF-8")
		}
		return String(raw), next, nil

	case code >= codeNegIntStart && code <= codePosIntEnd:
		return readBigInt(data, pos, code)

	case code == codeDouble:
		if pos+8 > len(data) {
			return nil, 0, fmt.Errorf("truncated number part")
		}
		bits := binary.BigEndian.Uint64(data[pos : pos+8])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return Number(math.Float64frombits(bits)), pos + 8, nil

	case code == codeFalse:
		return Bool(false), pos, nil

	case code == codeTrue:
		return Bool(true), pos, nil
	}
	return nil, 0, fmt.Errorf("unknown type code 0x%02x", code)
}

func readEscaped(data []byte, pos int) ([]byte, int, error) {
	out := []byte{}
	for pos < len(data) {
		c := data[pos]
		if c != 0x00 {
			out = append(out, c)
			pos++
			continue
		}
		if pos+1 < len(data) && data[pos+1] == escapeByte {
			out = append(out, 0x00)
			pos += 2
			continue
		}
		return out, pos + 1, nil
	}
	return nil, 0, fmt.Errorf("unterminated byte sequence")
}

func readBigInt(data []byte, pos int, code byte) (Part, int, error) {
	if code == codeIntZero {
		return Int64(0), pos, nil
	}

	negative := code < codeIntZero
	var n int
	switch {
	case code == codePosIntEnd || code == codeNegIntStart:
		if pos >= len(data) {
			return nil, 0, fmt.Errorf("truncated bigint length")
		}
		n = int(data[pos])
		if negative {
			n = int(data[pos] ^ 0xff)
		}
		pos++
	case negative:
		n = int(codeIntZero - code)
	default:
		n = int(code - codeIntZero)
	}

	if pos+n > len(data) {
		return nil, 0, fmt.Errorf("truncated bigint part")
	}
	mag := make([]byte, n)
	copy(mag, data[pos:pos+n])
	if negative {
		for i := range mag {
			mag[i] = ^mag[i]
		}
	}
	v := new(big.Int).SetBytes(mag)
	if negative {
		v.Neg(v)
	}
	return BigInt{v: v}, pos + n, nil
}
