package v8ser

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"time"
	"unicode/utf16"
)

const (
	headerTag      byte = 0xff
	currentVersion      = 15
	minVersion          = 13
)

// Value tags.
const (
	tagPadding        byte = 0x00
	tagTheHole        byte = '-'
	tagUndefined      byte = '_'
	tagNull           byte = '0'
	tagTrue           byte = 'T'
	tagFalse          byte = 'F'
	tagInt32          byte = 'I'
	tagUint32         byte = 'U'
	tagDouble         byte = 'N'
	tagBigInt         byte = 'Z'
	tagUtf8String     byte = 'S'
	tagOneByteString  byte = '"'
	tagTwoByteString  byte = 'c'
	tagObjectRef      byte = '^'
	tagBeginObject    byte = 'o'
	tagEndObject      byte = '{'
	tagBeginSparse    byte = 'a'
	tagEndSparse      byte = '@'
	tagBeginDense     byte = 'A'
	tagEndDense       byte = '$'
	tagDate           byte = 'D'
	tagTrueObject     byte = 'y'
	tagFalseObject    byte = 'x'
	tagNumberObject   byte = 'n'
	tagBigIntObject   byte = 'z'
	tagStringObject   byte = 's'
	tagBeginMap       byte = ';'
	tagEndMap         byte = ':'
	tagBeginSet       byte = '\''
	tagEndSet         byte = ','
	tagVerifyObjCount byte = '?'
)

// Marshal serializes v, which must be built from nil, bool, numeric types,
// json.Number, string, *big.Int, time.Time, []any and map[string]any. Other
// values are normalized through encoding/json first.
func Marshal(v any) ([]byte, error) {
	e := &encoder{buf: []byte{headerTag, currentVersion}}
	if err := e.value(v, 0); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) value(v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: value nested deeper than %d", ErrInvalid, maxDepth)
	}

	switch x := v.(type) {
	case nil:
		e.buf = append(e.buf, tagNull)
	case bool:
		if x {
			e.buf = append(e.buf, tagTrue)
		} else {
			e.buf = append(e.buf, tagFalse)
		}
	case float64:
		e.number(x)
	case float32:
		e.number(float64(x))
	case int:
		e.number(float64(x))
	case int32:
		e.number(float64(x))
	case int64:
		e.number(float64(x))
	case uint32:
		e.number(float64(x))
	case uint64:
		e.number(float64(x))
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		e.number(f)
	case string:
		e.string(x)
	case *big.Int:
		e.bigInt(x)
	case time.Time:
		e.buf = append(e.buf, tagDate)
		e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(float64(x.UnixMilli())))
	case []any:
		e.buf = append(e.buf, tagBeginDense)
		e.buf = binary.AppendUvarint(e.buf, uint64(len(x)))
		for _, item := range x {
			if err := e.value(item, depth+1); err != nil {
				return err
			}
		}
		e.buf = append(e.buf, tagEndDense)
		e.buf = binary.AppendUvarint(e.buf, 0)
		e.buf = binary.AppendUvarint(e.buf, uint64(len(x)))
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		e.buf = append(e.buf, tagBeginObject)
		for _, k := range keys {
			e.propertyKey(k)
			if err := e.value(x[k], depth+1); err != nil {
				return err
			}
		}
		e.buf = append(e.buf, tagEndObject)
		e.buf = binary.AppendUvarint(e.buf, uint64(len(keys)))
	default:
		normalized, err := normalize(v)
		if err != nil {
			return err
		}
		return e.value(normalized, depth)
	}
	return nil
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupported, v, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupported, v, err)
	}
	return out, nil
}

func (e *encoder) number(f float64) {
	if f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 && !(f == 0 && math.Signbit(f)) {
		e.buf = append(e.buf, tagInt32)
		e.buf = binary.AppendVarint(e.buf, int64(f))
		return
	}
	e.buf = append(e.buf, tagDouble)
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(f))
}

// propertyKey writes integer-like keys the way V8 does, as Smis.
func (e *encoder) propertyKey(k string) {
	if n, err := strconv.ParseInt(k, 10, 32); err == nil && n >= 0 && strconv.FormatInt(n, 10) == k {
		e.buf = append(e.buf, tagInt32)
		e.buf = binary.AppendVarint(e.buf, n)
		return
	}
	e.string(k)
}

func (e *encoder) string(s string) {
	latin1 := true
	for _, r := range s {
		if r > 0xff {
			latin1 = false
			break
		}
	}

	if latin1 {
		raw := make([]byte, 0, len(s))
		for _, r := range s {
			raw = append(raw, byte(r))
		}
		e.buf = append(e.buf, tagOneByteString)
		e.buf = binary.AppendUvarint(e.buf, uint64(len(raw)))
		e.buf = append(e.buf, raw...)
		return
	}

	units := utf16.Encode([]rune(s))
	byteLen := uint64(2 * len(units))
	// Two-byte payloads start on an even offset.
	if (len(e.buf)+1+uvarintLen(byteLen))&1 != 0 {
		e.buf = append(e.buf, tagPadding)
	}
	e.buf = append(e.buf, tagTwoByteString)
	e.buf = binary.AppendUvarint(e.buf, byteLen)
	for _, u := range units {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, u)
	}
}

func (e *encoder) bigInt(n *big.Int) {
	mag := new(big.Int).Abs(n).Bytes()
	words := (len(mag) + 7) / 8
	byteLen := words * 8

	bitfield := uint64(byteLen) << 1
	if n.Sign() < 0 {
		bitfield |= 1
	}
	e.buf = append(e.buf, tagBigInt)
	e.buf = binary.AppendUvarint(e.buf, bitfield)

	digits := make([]byte, byteLen)
	for i, c := range mag {
		digits[len(mag)-1-i] = c
	}
	e.buf = append(e.buf, digits...)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
