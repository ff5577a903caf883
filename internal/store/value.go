package store

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/kvexplorer/kvexplorer/internal/kvconnect"
	"github.com/kvexplorer/kvexplorer/internal/v8ser"
)

// U64 is an unsigned 64-bit integer value stored with the little-endian
// encoding
type U64 uint64

type u64JSON struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// MarshalJSON renders the value as {"type":"KvU64","value":"<decimal>"}
func (u U64) MarshalJSON() ([]byte, error) {
	return json.Marshal(u64JSON{Type: "KvU64", Value: strconv.FormatUint(uint64(u), 10)})
}

// RawValue carries a stored value the server could not decode
type RawValue struct {
	Encoding string `json:"encoding"`
	Data     []byte `json:"data"`
}

// encodeValue picks the wire encoding for a value coming from a client
func encodeValue(v any) (kvconnect.KvValue, error) {
	switch val := v.(type) {
	case U64:
		return kvconnect.KvValue{Data: binary.LittleEndian.AppendUint64(nil, uint64(val)), Encoding: kvconnect.EncodingLE64}, nil
	case []byte:
		return kvconnect.KvValue{Data: val, Encoding: kvconnect.EncodingBytes}, nil
	case map[string]any:
		if u, ok := asU64(val); ok {
			return encodeValue(u)
		}
	}
	data, err := v8ser.Marshal(v)
	if err != nil {
		return kvconnect.KvValue{}, fmt.Errorf("failed to serialize value: %w", err)
	}
	return kvconnect.KvValue{Data: data, Encoding: kvconnect.EncodingV8}, nil
}

// asU64 recognizes the JSON rendering of U64 so that values read from the
// explorer can be written back unchanged
func asU64(m map[string]any) (U64, bool) {
	if len(m) != 2 || m["type"] != "KvU64" {
		return 0, false
	}
	s, ok := m["value"].(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return U64(n), true
}

func decodeValue(enc kvconnect.ValueEncoding, data []byte) (any, error) {
	switch enc {
	case kvconnect.EncodingV8:
		v, err := v8ser.Unmarshal(data)
		if errors.Is(err, v8ser.ErrUnsupported) {
			return RawValue{Encoding: enc.String(), Data: data}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode value: %w", err)
		}
		return v, nil
	case kvconnect.EncodingLE64:
		if len(data) != 8 {
			return nil, fmt.Errorf("invalid KvU64 length %d", len(data))
		}
		return U64(binary.LittleEndian.Uint64(data)), nil
	case kvconnect.EncodingBytes:
		return data, nil
	}
	return RawValue{Encoding: enc.String(), Data: data}, nil
}

func formatVersionstamp(vs []byte) string {
	return hex.EncodeToString(vs)
}
