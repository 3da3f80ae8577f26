package qamqp

import (
	"bytes"
	"time"
)

// Basic content property names, in the order their presence bits appear in
// a ContentHeader's property_flags, high bit first. This is the standard
// AMQP 0-9-1 "basic" class property list (content-type through
// cluster-id); spec.md §3 only names the generic PropertyMap, this table
// is the concrete wire layout it's read/written against. Unlike a field
// table, basic-properties are positional: each present value is written
// back-to-back with no per-field tag byte, its type fixed by position.
var basicPropertyOrder = []struct {
	name string
	bit  uint16
	tag  byte
}{
	{"content-type", 1 << 15, tagShortStr},
	{"content-encoding", 1 << 14, tagShortStr},
	{"headers", 1 << 13, tagTable},
	{"delivery-mode", 1 << 12, tagUint8},
	{"priority", 1 << 11, tagUint8},
	{"correlation-id", 1 << 10, tagShortStr},
	{"reply-to", 1 << 9, tagShortStr},
	{"expiration", 1 << 8, tagShortStr},
	{"message-id", 1 << 7, tagShortStr},
	{"timestamp", 1 << 6, tagTimestamp},
	{"type", 1 << 5, tagShortStr},
	{"user-id", 1 << 4, tagShortStr},
	{"app-id", 1 << 3, tagShortStr},
	{"cluster-id", 1 << 2, tagShortStr},
}

// encodeBasicProperties writes only the properties present in p, computing
// the presence bitmask as it goes.
func encodeBasicProperties(p PropertyMap) (uint16, []byte, error) {
	var flags uint16
	var buf bytes.Buffer
	for _, f := range basicPropertyOrder {
		v, ok := p[f.name]
		if !ok {
			continue
		}
		flags |= f.bit
		if err := writePositional(&buf, f.tag, v); err != nil {
			return 0, nil, err
		}
	}
	return flags, buf.Bytes(), nil
}

func decodeBasicProperties(flags uint16, payload []byte) (PropertyMap, error) {
	if flags == 0 {
		return nil, nil
	}
	r := bytes.NewReader(payload)
	props := make(PropertyMap)
	for _, f := range basicPropertyOrder {
		if flags&f.bit == 0 {
			continue
		}
		v, err := readPositional(r, f.tag)
		if err != nil {
			return nil, err
		}
		props[f.name] = v
	}
	return props, nil
}

// writePositional writes v's payload with no leading tag byte, since
// basic-properties fix each field's type by position rather than tagging
// it on the wire.
func writePositional(buf *bytes.Buffer, tag byte, v FieldValue) error {
	switch tag {
	case tagShortStr:
		s, _ := v.v.(string)
		return writeShortString(buf, s)
	case tagUint8:
		u, _ := v.v.(uint8)
		return buf.WriteByte(u)
	case tagTimestamp:
		t, _ := v.v.(time.Time)
		return writeUint(buf, 8, uint64(t.Unix()))
	case tagTable:
		t, _ := v.v.(FieldTable)
		return EncodeFieldTable(buf, t)
	default:
		return newError(KindFrameFormat, "unsupported basic-property tag %#02x", tag)
	}
}

func readPositional(r *bytes.Reader, tag byte) (FieldValue, error) {
	switch tag {
	case tagShortStr:
		s, err := readShortString(r)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldShortString(s), nil
	case tagUint8:
		b, err := r.ReadByte()
		if err != nil {
			return FieldValue{}, wrapError(KindFrameFormat, err, "reading basic-property octet")
		}
		return FieldUint8(b), nil
	case tagTimestamp:
		u, err := readUint(r, 8)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldTimestamp(time.Unix(int64(u), 0)), nil
	case tagTable:
		t, err := DecodeFieldTable(r)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldTableValue(t), nil
	default:
		return FieldValue{}, newError(KindFrameFormat, "unsupported basic-property tag %#02x", tag)
	}
}
