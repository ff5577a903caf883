package kvconnect

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ValueEncoding identifies how a stored value's bytes are to be interpreted
type ValueEncoding int32

const (
	EncodingUnspecified ValueEncoding = 0
	EncodingV8          ValueEncoding = 1
	EncodingLE64        ValueEncoding = 2
	EncodingBytes       ValueEncoding = 3
)

func (e ValueEncoding) String() string {
	switch e {
	case EncodingV8:
		return "VE_V8"
	case EncodingLE64:
		return "VE_LE64"
	case EncodingBytes:
		return "VE_BYTES"
	}
	return fmt.Sprintf("VE_UNSPECIFIED(%d)", int32(e))
}

// MutationType selects what a Mutation does to its key
type MutationType int32

const (
	MutationSet    MutationType = 1
	MutationDelete MutationType = 2
)

// SnapshotReadStatus is the status of a snapshot_read response
type SnapshotReadStatus int32

const (
	ReadStatusUnspecified  SnapshotReadStatus = 0
	ReadStatusSuccess      SnapshotReadStatus = 1
	ReadStatusReadDisabled SnapshotReadStatus = 2
)

// AtomicWriteStatus is the status of an atomic_write response
type AtomicWriteStatus int32

const (
	WriteStatusUnspecified   AtomicWriteStatus = 0
	WriteStatusSuccess       AtomicWriteStatus = 1
	WriteStatusCheckFailure  AtomicWriteStatus = 2
	WriteStatusWriteDisabled AtomicWriteStatus = 5
)

// ReadRange requests the entries with start <= key < end
type ReadRange struct {
	Start   []byte
	End     []byte
	Limit   int32
	Reverse bool
}

// SnapshotRead is the body of a snapshot_read request
type SnapshotRead struct {
	Ranges []ReadRange
}

// KvEntry is a single stored entry as returned by the data path
type KvEntry struct {
	Key          []byte
	Value        []byte
	Encoding     ValueEncoding
	Versionstamp []byte
}

// ReadRangeOutput holds the entries matched by one ReadRange
type ReadRangeOutput struct {
	Values []KvEntry
}

// SnapshotReadOutput is the body of a snapshot_read response
type SnapshotReadOutput struct {
	Ranges                   []ReadRangeOutput
	ReadDisabled             bool
	ReadIsStronglyConsistent bool
	Status                   SnapshotReadStatus
}

// KvValue is an encoded value carried by a mutation
type KvValue struct {
	Data     []byte
	Encoding ValueEncoding
}

// Mutation changes a single key
type Mutation struct {
	Key        []byte
	Value      *KvValue
	Type       MutationType
	ExpireAtMs int64
}

// AtomicWrite is the body of an atomic_write request
type AtomicWrite struct {
	Mutations []Mutation
}

// AtomicWriteOutput is the body of an atomic_write response
type AtomicWriteOutput struct {
	Status       AtomicWriteStatus
	Versionstamp []byte
	FailedChecks []uint32
}

// field is one decoded wire field; exactly one of varint or bytes is set
// depending on the wire type
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// parseFields walks a serialized message, skipping groups and fixed-width
// fields it does not understand
func parseFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func boolVarint(v bool) uint64 {
	return protowire.EncodeBool(v)
}

// Marshal encodes the range in protobuf wire format
func (r *ReadRange) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, r.Start)
	b = appendBytesField(b, 2, r.End)
	b = appendVarintField(b, 3, uint64(int64(r.Limit)))
	b = appendVarintField(b, 4, boolVarint(r.Reverse))
	return b
}

// Unmarshal decodes a protobuf-encoded range
func (r *ReadRange) Unmarshal(b []byte) error {
	*r = ReadRange{}
	return parseFields(b, func(f field) error {
		switch f.num {
		case 1:
			r.Start = cloneBytes(f.bytes)
		case 2:
			r.End = cloneBytes(f.bytes)
		case 3:
			r.Limit = int32(f.varint)
		case 4:
			r.Reverse = protowire.DecodeBool(f.varint)
		}
		return nil
	})
}

// Marshal encodes the request in protobuf wire format
func (s *SnapshotRead) Marshal() []byte {
	var b []byte
	for i := range s.Ranges {
		b = appendMessageField(b, 1, s.Ranges[i].Marshal())
	}
	return b
}

// Unmarshal decodes a protobuf-encoded request
func (s *SnapshotRead) Unmarshal(b []byte) error {
	*s = SnapshotRead{}
	return parseFields(b, func(f field) error {
		if f.num != 1 || f.typ != protowire.BytesType {
			return nil
		}
		var r ReadRange
		if err := r.Unmarshal(f.bytes); err != nil {
			return fmt.Errorf("read range: %w", err)
		}
		s.Ranges = append(s.Ranges, r)
		return nil
	})
}

// Marshal encodes the entry in protobuf wire format
func (e *KvEntry) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, e.Key)
	b = appendBytesField(b, 2, e.Value)
	b = appendVarintField(b, 3, uint64(e.Encoding))
	b = appendBytesField(b, 4, e.Versionstamp)
	return b
}

// Unmarshal decodes a protobuf-encoded entry
func (e *KvEntry) Unmarshal(b []byte) error {
	*e = KvEntry{}
	return parseFields(b, func(f field) error {
		switch f.num {
		case 1:
			e.Key = cloneBytes(f.bytes)
		case 2:
			e.Value = cloneBytes(f.bytes)
		case 3:
			e.Encoding = ValueEncoding(f.varint)
		case 4:
			e.Versionstamp = cloneBytes(f.bytes)
		}
		return nil
	})
}

// Marshal encodes the range output in protobuf wire format
func (o *ReadRangeOutput) Marshal() []byte {
	var b []byte
	for i := range o.Values {
		b = appendMessageField(b, 1, o.Values[i].Marshal())
	}
	return b
}

// Unmarshal decodes a protobuf-encoded range output
func (o *ReadRangeOutput) Unmarshal(b []byte) error {
	*o = ReadRangeOutput{}
	return parseFields(b, func(f field) error {
		if f.num != 1 || f.typ != protowire.BytesType {
			return nil
		}
		var e KvEntry
		if err := e.Unmarshal(f.bytes); err != nil {
			return fmt.Errorf("entry: %w", err)
		}
		o.Values = append(o.Values, e)
		return nil
	})
}

// Marshal encodes the response in protobuf wire format
func (o *SnapshotReadOutput) Marshal() []byte {
	var b []byte
	for i := range o.Ranges {
		b = appendMessageField(b, 1, o.Ranges[i].Marshal())
	}
	b = appendVarintField(b, 2, boolVarint(o.ReadDisabled))
	b = appendVarintField(b, 4, boolVarint(o.ReadIsStronglyConsistent))
	b = appendVarintField(b, 8, uint64(o.Status))
	return b
}

// Unmarshal decodes a protobuf-encoded response
func (o *SnapshotReadOutput) Unmarshal(b []byte) error {
	*o = SnapshotReadOutput{}
	return parseFields(b, func(f field) error {
		switch f.num {
		case 1:
			if f.typ != protowire.BytesType {
				return nil
			}
			var r ReadRangeOutput
			if err := r.Unmarshal(f.bytes); err != nil {
				return fmt.Errorf("read range output: %w", err)
			}
			o.Ranges = append(o.Ranges, r)
		case 2:
			o.ReadDisabled = protowire.DecodeBool(f.varint)
		case 4:
			o.ReadIsStronglyConsistent = protowire.DecodeBool(f.varint)
		case 8:
			o.Status = SnapshotReadStatus(f.varint)
		}
		return nil
	})
}

// Marshal encodes the value in protobuf wire format
func (v *KvValue) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, v.Data)
	b = appendVarintField(b, 2, uint64(v.Encoding))
	return b
}

// Unmarshal decodes a protobuf-encoded value
func (v *KvValue) Unmarshal(b []byte) error {
	*v = KvValue{}
	return parseFields(b, func(f field) error {
		switch f.num {
		case 1:
			v.Data = cloneBytes(f.bytes)
		case 2:
			v.Encoding = ValueEncoding(f.varint)
		}
		return nil
	})
}

// Marshal encodes the mutation in protobuf wire format
func (m *Mutation) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Key)
	if m.Value != nil {
		b = appendMessageField(b, 2, m.Value.Marshal())
	}
	b = appendVarintField(b, 3, uint64(m.Type))
	b = appendVarintField(b, 4, uint64(m.ExpireAtMs))
	return b
}

// Unmarshal decodes a protobuf-encoded mutation
func (m *Mutation) Unmarshal(b []byte) error {
	*m = Mutation{}
	return parseFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Key = cloneBytes(f.bytes)
		case 2:
			v := &KvValue{}
			if err := v.Unmarshal(f.bytes); err != nil {
				return fmt.Errorf("value: %w", err)
			}
			m.Value = v
		case 3:
			m.Type = MutationType(f.varint)
		case 4:
			m.ExpireAtMs = int64(f.varint)
		}
		return nil
	})
}

// Marshal encodes the request in protobuf wire format
func (w *AtomicWrite) Marshal() []byte {
	var b []byte
	for i := range w.Mutations {
		b = appendMessageField(b, 2, w.Mutations[i].Marshal())
	}
	return b
}

// Unmarshal decodes a protobuf-encoded request. Checks and enqueues are
// ignored.
func (w *AtomicWrite) Unmarshal(b []byte) error {
	*w = AtomicWrite{}
	return parseFields(b, func(f field) error {
		if f.num != 2 || f.typ != protowire.BytesType {
			return nil
		}
		var m Mutation
		if err := m.Unmarshal(f.bytes); err != nil {
			return fmt.Errorf("mutation: %w", err)
		}
		w.Mutations = append(w.Mutations, m)
		return nil
	})
}

// Marshal encodes the response in protobuf wire format
func (o *AtomicWriteOutput) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(o.Status))
	b = appendBytesField(b, 2, o.Versionstamp)
	if len(o.FailedChecks) > 0 {
		var packed []byte
		for _, c := range o.FailedChecks {
			packed = protowire.AppendVarint(packed, uint64(c))
		}
		b = appendMessageField(b, 4, packed)
	}
	return b
}

// Unmarshal decodes a protobuf-encoded response; failed_checks is accepted
// packed or unpacked
func (o *AtomicWriteOutput) Unmarshal(b []byte) error {
	*o = AtomicWriteOutput{}
	return parseFields(b, func(f field) error {
		switch f.num {
		case 1:
			o.Status = AtomicWriteStatus(f.varint)
		case 2:
			o.Versionstamp = cloneBytes(f.bytes)
		case 4:
			if f.typ == protowire.VarintType {
				o.FailedChecks = append(o.FailedChecks, uint32(f.varint))
				return nil
			}
			packed := f.bytes
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				o.FailedChecks = append(o.FailedChecks, uint32(v))
				packed = packed[n:]
			}
		}
		return nil
	})
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
