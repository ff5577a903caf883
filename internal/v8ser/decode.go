package v8ser

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

// Unmarshal decodes serialized data into JSON-compatible Go values: nil,
// bool, float64, string, []any and map[string]any, plus *big.Int for bigints and
// time.Time for dates. Maps decode to a []any of [key, value] pairs and Sets to
// a []any.
func Unmarshal(data []byte) (any, error) {
	d := &decoder{data: data}
	if err := d.header(); err != nil {
		return nil, err
	}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	return v, nil
}

type decoder struct {
	data    []byte
	pos     int
	version uint64
	objects []any
}

func (d *decoder) header() error {
	if len(d.data) == 0 || d.data[0] != headerTag {
		return fmt.Errorf("%w: missing version header", ErrInvalid)
	}
	d.pos = 1
	v, err := d.uvarint()
	if err != nil {
		return err
	}
	if v < minVersion {
		return fmt.Errorf("%w: format version %d", ErrUnsupported, v)
	}
	d.version = v
	return nil
}

func (d *decoder) tag() (byte, error) {
	for d.pos < len(d.data) {
		t := d.data[d.pos]
		d.pos++
		if t != tagPadding {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unexpected end of data", ErrInvalid)
}

func (d *decoder) peekTag() (byte, error) {
	for p := d.pos; p < len(d.data); p++ {
		if d.data[p] != tagPadding {
			return d.data[p], nil
		}
	}
	return 0, fmt.Errorf("%w: unexpected end of data", ErrInvalid)
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrInvalid, d.pos)
	}
	d.pos += n
	return v, nil
}

func (d *decoder) varint() (int64, error) {
	v, n := binary.Varint(d.data[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrInvalid, d.pos)
	}
	d.pos += n
	return v, nil
}

func (d *decoder) bytes(n uint64) ([]byte, error) {
	if n > uint64(len(d.data)-d.pos) {
		return nil, fmt.Errorf("%w: truncated payload", ErrInvalid)
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *decoder) double() (float64, error) {
	b, err := d.bytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (d *decoder) register(v any) int {
	d.objects = append(d.objects, v)
	return len(d.objects) - 1
}

func (d *decoder) value(depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrInvalid, maxDepth)
	}

	t, err := d.tag()
	if err != nil {
		return nil, err
	}

	switch t {
	case tagVerifyObjCount:
		if _, err := d.uvarint(); err != nil {
			return nil, err
		}
		return d.value(depth)
	case tagUndefined, tagNull, tagTheHole:
		return nil, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagInt32:
		n, err := d.varint()
		return float64(int32(n)), err
	case tagUint32:
		n, err := d.uvarint()
		return float64(uint32(n)), err
	case tagDouble:
		return d.double()
	case tagBigInt:
		return d.bigInt()
	case tagUtf8String, tagOneByteString, tagTwoByteString:
		return d.stringBody(t)
	case tagDate:
		ms, err := d.double()
		if err != nil {
			return nil, err
		}
		// an Invalid Date has no time value; JSON renders it as null
		if math.IsNaN(ms) || math.Abs(ms) > maxTimeValue {
			d.register(nil)
			return nil, nil
		}
		date := time.UnixMilli(int64(ms)).UTC()
		d.register(date)
		return date, nil
	case tagTrueObject, tagFalseObject:
		b := t == tagTrueObject
		d.register(b)
		return b, nil
	case tagNumberObject:
		f, err := d.double()
		if err != nil {
			return nil, err
		}
		d.register(f)
		return f, nil
	case tagBigIntObject:
		n, err := d.bigInt()
		if err != nil {
			return nil, err
		}
		d.register(n)
		return n, nil
	case tagStringObject:
		st, err := d.tag()
		if err != nil {
			return nil, err
		}
		s, err := d.stringBody(st)
		if err != nil {
			return nil, err
		}
		d.register(s)
		return s, nil
	case tagObjectRef:
		id, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		if id >= uint64(len(d.objects)) || d.objects[id] == nil {
			return nil, fmt.Errorf("%w: reference to unknown or incomplete object %d", ErrUnsupported, id)
		}
		return d.objects[id], nil
	case tagBeginObject:
		return d.object(depth)
	case tagBeginDense:
		return d.denseArray(depth)
	case tagBeginSparse:
		return d.sparseArray(depth)
	case tagBeginMap:
		return d.collection(depth, tagEndMap, true)
	case tagBeginSet:
		return d.collection(depth, tagEndSet, false)
	}
	return nil, fmt.Errorf("%w: tag %q at offset %d", ErrUnsupported, t, d.pos-1)
}

func (d *decoder) stringBody(t byte) (string, error) {
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	raw, err := d.bytes(n)
	if err != nil {
		return "", err
	}

	switch t {
	case tagUtf8String:
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("%w: invalid UTF-8 string", ErrInvalid)
		}
		return string(raw), nil
	case tagOneByteString:
		runes := make([]rune, len(raw))
		for i, c := range raw {
			runes[i] = rune(c)
		}
		return string(runes), nil
	case tagTwoByteString:
		if len(raw)%2 != 0 {
			return "", fmt.Errorf("%w: odd two-byte string length", ErrInvalid)
		}
		units := make([]uint16, len(raw)/2)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(raw[2*i:])
		}
		return string(utf16.Decode(units)), nil
	}
	return "", fmt.Errorf("%w: tag %q is not a string", ErrInvalid, t)
}

func (d *decoder) bigInt() (*big.Int, error) {
	bitfield, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	digits, err := d.bytes(bitfield >> 1)
	if err != nil {
		return nil, err
	}
	be := make([]byte, len(digits))
	for i, c := range digits {
		be[len(digits)-1-i] = c
	}
	n := new(big.Int).SetBytes(be)
	if bitfield&1 != 0 {
		n.Neg(n)
	}
	return n, nil
}

// propertyKey reads an object key, which V8 writes as a string or, for
// integer-like keys, as a number.
func (d *decoder) propertyKey(depth int) (string, error) {
	k, err := d.value(depth + 1)
	if err != nil {
		return "", err
	}
	switch v := k.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: object key of type %T", ErrInvalid, k)
}

// object registers itself only once complete, so a cyclic reference is
// reported as unsupported rather than producing a map that contains itself.
func (d *decoder) object(depth int) (any, error) {
	obj := map[string]any{}
	id := d.register(nil)

	for {
		t, err := d.peekTag()
		if err != nil {
			return nil, err
		}
		if t == tagEndObject {
			d.tag()
			if _, err := d.uvarint(); err != nil {
				return nil, err
			}
			d.objects[id] = obj
			return obj, nil
		}

		k, err := d.propertyKey(depth)
		if err != nil {
			return nil, err
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		obj[k] = v
	}
}

func (d *decoder) denseArray(depth int) (any, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.data)-d.pos) {
		return nil, fmt.Errorf("%w: dense array length %d", ErrInvalid, n)
	}
	if n > maxArrayLength {
		return nil, fmt.Errorf("%w: dense array length %d", ErrUnsupported, n)
	}

	id := d.register(nil)
	arr := make([]any, n)
	for i := range arr {
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		arr[i] = v
	}

	// Non-index properties may follow the elements; they have no JSON form.
	for {
		t, err := d.peekTag()
		if err != nil {
			return nil, err
		}
		if t == tagEndDense {
			d.tag()
			break
		}
		if _, err := d.propertyKey(depth); err != nil {
			return nil, err
		}
		if _, err := d.value(depth + 1); err != nil {
			return nil, err
		}
	}
	if _, err := d.uvarint(); err != nil {
		return nil, err
	}
	if _, err := d.uvarint(); err != nil {
		return nil, err
	}

	d.objects[id] = arr
	return arr, nil
}

func (d *decoder) sparseArray(depth int) (any, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > maxSparseLength {
		return nil, fmt.Errorf("%w: sparse array length %d", ErrUnsupported, n)
	}

	id := d.register(nil)
	var arr []any
	for {
		t, err := d.peekTag()
		if err != nil {
			return nil, err
		}
		if t == tagEndSparse {
			d.tag()
			break
		}
		k, err := d.propertyKey(depth)
		if err != nil {
			return nil, err
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		if idx, err := strconv.ParseUint(k, 10, 32); err == nil && idx < n {
			if idx >= uint64(len(arr)) {
				arr = append(arr, make([]any, int(idx)+1-len(arr))...)
			}
			arr[idx] = v
		}
	}
	// trailing holes
	arr = append(arr, make([]any, int(n)-len(arr))...)
	if _, err := d.uvarint(); err != nil {
		return nil, err
	}
	if _, err := d.uvarint(); err != nil {
		return nil, err
	}

	d.objects[id] = arr
	return arr, nil
}

func (d *decoder) collection(depth int, end byte, pairs bool) (any, error) {
	id := d.register(nil)
	out := []any{}
	for {
		t, err := d.peekTag()
		if err != nil {
			return nil, err
		}
		if t == end {
			d.tag()
			break
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		if pairs {
			val, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, []any{v, val})
			continue
		}
		out = append(out, v)
	}
	if _, err := d.uvarint(); err != nil {
		return nil, err
	}
	d.objects[id] = out
	return out, nil
}
