package qamqp

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Field value tag bytes, per spec.md §3. Bit-for-bit what the wire uses as
// the type discriminator preceding a table entry's value.
const (
	tagBool      byte = 't'
	tagInt8      byte = 'b'
	tagUint8     byte = 'B'
	tagInt16     byte = 'U'
	tagUint16    byte = 'u'
	tagInt32     byte = 'I'
	tagUint32    byte = 'i'
	tagInt64     byte = 'L'
	tagUint64    byte = 'l'
	tagFloat32   byte = 'f'
	tagFloat64   byte = 'd'
	tagDecimal   byte = 'D'
	tagShortStr  byte = 's'
	tagLongStr   byte = 'S'
	tagArray     byte = 'A'
	tagTimestamp byte = 'T'
	tagTable     byte = 'F'
	tagVoid      byte = 'V'
)

// Decimal is AMQP 0-9-1's decimal-value: an unscaled 32-bit signed integer
// and a power-of-ten scale, value == Value * 10^-Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// FieldValue is the recursive sum type over AMQP 0-9-1's typed values
// (spec.md §3). The zero value is not meaningful; construct with the
// Field* functions below.
type FieldValue struct {
	tag byte
	v   interface{}
}

func FieldBool(b bool) FieldValue          { return FieldValue{tagBool, b} }
func FieldInt8(i int8) FieldValue          { return FieldValue{tagInt8, i} }
func FieldUint8(u uint8) FieldValue        { return FieldValue{tagUint8, u} }
func FieldInt16(i int16) FieldValue        { return FieldValue{tagInt16, i} }
func FieldUint16(u uint16) FieldValue      { return FieldValue{tagUint16, u} }
func FieldInt32(i int32) FieldValue        { return FieldValue{tagInt32, i} }
func FieldUint32(u uint32) FieldValue      { return FieldValue{tagUint32, u} }
func FieldInt64(i int64) FieldValue        { return FieldValue{tagInt64, i} }
func FieldUint64(u uint64) FieldValue      { return FieldValue{tagUint64, u} }
func FieldFloat32(f float32) FieldValue    { return FieldValue{tagFloat32, f} }
func FieldFloat64(f float64) FieldValue    { return FieldValue{tagFloat64, f} }
func FieldDecimal(d Decimal) FieldValue    { return FieldValue{tagDecimal, d} }
func FieldShortString(s string) FieldValue { return FieldValue{tagShortStr, s} }
func FieldLongString(s string) FieldValue  { return FieldValue{tagLongStr, s} }
func FieldArray(a []FieldValue) FieldValue { return FieldValue{tagArray, a} }
func FieldTimestamp(t time.Time) FieldValue {
	return FieldValue{tagTimestamp, t.UTC().Truncate(time.Second)}
}
func FieldTableValue(t FieldTable) FieldValue { return FieldValue{tagTable, t} }
func FieldVoid() FieldValue                   { return FieldValue{tagVoid, nil} }

// Tag reports the wire tag byte of v.
func (v FieldValue) Tag() byte { return v.tag }

// Equal reports whether v and other decode to the same value, comparing
// nested arrays/tables recursively. Used by tests in place of
// reflect.DeepEqual because FieldValue's fields are unexported.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.tag != other.tag {
		return false
	}
	switch v.tag {
	case tagArray:
		a, b := v.v.([]FieldValue), other.v.([]FieldValue)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case tagTable:
		a, b := v.v.(FieldTable), other.v.(FieldTable)
		if len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, ok := b[k]
			if !ok || !av.Equal(bv) {
				return false
			}
		}
		return true
	case tagTimestamp:
		return v.v.(time.Time).Equal(other.v.(time.Time))
	default:
		return v.v == other.v
	}
}

// FieldTable is AMQP's self-describing map from short-string keys to
// tagged values (spec.md §3 / GLOSSARY).
type FieldTable map[string]FieldValue

// EncodeFieldValue writes v's tag byte followed by its payload.
func EncodeFieldValue(w *bytes.Buffer, v FieldValue) error {
	if err := w.WriteByte(v.tag); err != nil {
		return err
	}
	switch v.tag {
	case tagBool:
		b := byte(0)
		if v.v.(bool) {
			b = 1
		}
		return w.WriteByte(b)
	case tagInt8:
		return w.WriteByte(byte(v.v.(int8)))
	case tagUint8:
		return w.WriteByte(v.v.(uint8))
	case tagInt16:
		return writeUint(w, 2, uint64(uint16(v.v.(int16))))
	case tagUint16:
		return writeUint(w, 2, uint64(v.v.(uint16)))
	case tagInt32:
		return writeUint(w, 4, uint64(uint32(v.v.(int32))))
	case tagUint32:
		return writeUint(w, 4, uint64(v.v.(uint32)))
	case tagInt64:
		return writeUint(w, 8, uint64(v.v.(int64)))
	case tagUint64:
		return writeUint(w, 8, v.v.(uint64))
	case tagFloat32:
		return writeUint(w, 4, uint64(math.Float32bits(v.v.(float32))))
	case tagFloat64:
		return writeUint(w, 8, math.Float64bits(v.v.(float64)))
	case tagDecimal:
		d := v.v.(Decimal)
		if err := w.WriteByte(d.Scale); err != nil {
			return err
		}
		return writeUint(w, 4, uint64(uint32(d.Value)))
	case tagShortStr:
		return writeShortString(w, v.v.(string))
	case tagLongStr:
		return writeLongString(w, []byte(v.v.(string)))
	case tagArray:
		return encodeArray(w, v.v.([]FieldValue))
	case tagTimestamp:
		return writeUint(w, 8, uint64(v.v.(time.Time).Unix()))
	case tagTable:
		return EncodeFieldTable(w, v.v.(FieldTable))
	case tagVoid:
		return nil
	default:
		return errors.Errorf("qamqp: unknown field value tag %#02x", v.tag)
	}
}

func encodeArray(w *bytes.Buffer, items []FieldValue) error {
	var body bytes.Buffer
	for _, item := range items {
		if err := EncodeFieldValue(&body, item); err != nil {
			return err
		}
	}
	if err := writeUint(w, 4, uint64(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// EncodeFieldTable writes the u32 byte length followed by the table's
// entries, each a short-string key and a tagged value. Keys are written in
// sorted order so that decode(encode(x)) is stable regardless of Go's
// unordered map iteration (spec.md §8 invariant 1).
func EncodeFieldTable(w *bytes.Buffer, t FieldTable) error {
	var body bytes.Buffer
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeShortString(&body, k); err != nil {
			return err
		}
		if err := EncodeFieldValue(&body, t[k]); err != nil {
			return err
		}
	}
	if err := writeUint(w, 4, uint64(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeFieldValue reads one tagged value from r. Unknown tags are a fatal
// FrameFormatError per spec.md §4.1.
func DecodeFieldValue(r *bytes.Reader) (FieldValue, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return FieldValue{}, wrapError(KindFrameFormat, err, "reading field value tag")
	}
	switch tag {
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return FieldValue{}, wrapError(KindFrameFormat, err, "reading bool")
		}
		return FieldBool(b != 0), nil
	case tagInt8:
		b, err := r.ReadByte()
		if err != nil {
			return FieldValue{}, wrapError(KindFrameFormat, err, "reading int8")
		}
		return FieldInt8(int8(b)), nil
	case tagUint8:
		b, err := r.ReadByte()
		if err != nil {
			return FieldValue{}, wrapError(KindFrameFormat, err, "reading uint8")
		}
		return FieldUint8(b), nil
	case tagInt16:
		u, err := readUint(r, 2)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldInt16(int16(u)), nil
	case tagUint16:
		u, err := readUint(r, 2)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldUint16(uint16(u)), nil
	case tagInt32:
		u, err := readUint(r, 4)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldInt32(int32(u)), nil
	case tagUint32:
		u, err := readUint(r, 4)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldUint32(uint32(u)), nil
	case tagInt64:
		u, err := readUint(r, 8)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldInt64(int64(u)), nil
	case tagUint64:
		u, err := readUint(r, 8)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldUint64(u), nil
	case tagFloat32:
		u, err := readUint(r, 4)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldFloat32(math.Float32frombits(uint32(u))), nil
	case tagFloat64:
		u, err := readUint(r, 8)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldFloat64(math.Float64frombits(u)), nil
	case tagDecimal:
		scale, err := r.ReadByte()
		if err != nil {
			return FieldValue{}, wrapError(KindFrameFormat, err, "reading decimal scale")
		}
		u, err := readUint(r, 4)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldDecimal(Decimal{Scale: scale, Value: int32(uint32(u))}), nil
	case tagShortStr:
		s, err := readShortString(r)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldShortString(s), nil
	case tagLongStr:
		b, err := readLongString(r)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldLongString(string(b)), nil
	case tagArray:
		items, err := decodeArray(r)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldArray(items), nil
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
	case tagVoid:
		return FieldVoid(), nil
	default:
		return FieldValue{}, newError(KindFrameFormat, "unknown field value tag %#02x", tag)
	}
}

func decodeArray(r *bytes.Reader) ([]FieldValue, error) {
	length, err := readUint(r, 4)
	if err != nil {
		return nil, err
	}
	body, err := readExact(r, int(length))
	if err != nil {
		return nil, err
	}
	br := bytes.NewReader(body)
	var items []FieldValue
	for br.Len() > 0 {
		v, err := DecodeFieldValue(br)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

// DecodeFieldTable reads a u32-length-prefixed sequence of (short-string
// key, tagged value) entries until exhausted, per spec.md §3.
func DecodeFieldTable(r *bytes.Reader) (FieldTable, error) {
	length, err := readUint(r, 4)
	if err != nil {
		return nil, err
	}
	body, err := readExact(r, int(length))
	if err != nil {
		return nil, err
	}
	br := bytes.NewReader(body)
	t := make(FieldTable)
	for br.Len() > 0 {
		key, err := readShortString(br)
		if err != nil {
			return nil, err
		}
		val, err := DecodeFieldValue(br)
		if err != nil {
			return nil, err
		}
		t[key] = val
	}
	return t, nil
}

func writeUint(w *bytes.Buffer, width int, u uint64) error {
	buf := make([]byte, width)
	switch width {
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(u))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(u))
	case 8:
		binary.BigEndian.PutUint64(buf, u)
	default:
		return errors.Errorf("qamqp: unsupported integer width %d", width)
	}
	_, err := w.Write(buf)
	return err
}

func readUint(r *bytes.Reader, width int) (uint64, error) {
	buf, err := readExact(r, width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 2:
		return uint64(binary.BigEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(buf)), nil
	case 8:
		return binary.BigEndian.Uint64(buf), nil
	default:
		return 0, errors.Errorf("qamqp: unsupported integer width %d", width)
	}
}

func readExact(r *bytes.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, wrapError(KindFrameFormat, err, "reading %d bytes", n)
	}
	return buf, nil
}

// writeShortString writes a u8-length-prefixed string. Per spec.md §4.1
// the maximum length is 255 bytes.
func writeShortString(w *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint8 {
		return errors.Errorf("qamqp: short string %q exceeds 255 bytes", s)
	}
	if err := w.WriteByte(byte(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", wrapError(KindFrameFormat, err, "reading short string length")
	}
	buf, err := readExact(r, int(n))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeLongString writes a u32-length-prefixed byte string.
func writeLongString(w *bytes.Buffer, b []byte) error {
	if err := writeUint(w, 4, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLongString(r *bytes.Reader) ([]byte, error) {
	n, err := readUint(r, 4)
	if err != nil {
		return nil, err
	}
	return readExact(r, int(n))
}

// BitWriter packs up to 8 booleans into a single octet in declaration
// order, per spec.md §4.1's description of the AMQP "bit" type used in
// method arguments. Grounded on streadway/amqp's buffer.PutBit, which
// packs a run of flags into one reserved octet per QueueDeclare/
// BasicConsume/BasicAck argument list.
type BitWriter struct {
	buf bytes.Buffer
	cur byte
	n   uint
}

// PutBit sets the next bit in the current run.
func (bw *BitWriter) PutBit(v bool) {
	if v {
		bw.cur |= 1 << bw.n
	}
	bw.n++
	if bw.n == 8 {
		bw.flush()
	}
}

func (bw *BitWriter) flush() {
	bw.buf.WriteByte(bw.cur)
	bw.cur = 0
	bw.n = 0
}

// Bytes returns the packed octet run, flushing a partial final octet.
func (bw *BitWriter) Bytes() []byte {
	if bw.n > 0 {
		bw.flush()
	}
	return bw.buf.Bytes()
}

// BitReader is the decode-side counterpart of BitWriter.
type BitReader struct {
	cur byte
	n   uint
}

// NewBitReader starts a bit run reading from the next octet of b.
func NewBitReader(b byte) *BitReader {
	return &BitReader{cur: b}
}

// Bit returns the next bit in the current run.
func (br *BitReader) Bit() bool {
	v := br.cur&(1<<br.n) != 0
	br.n++
	return v
}
