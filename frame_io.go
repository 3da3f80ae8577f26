package qamqp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// framePool reduces allocations when encoding outbound frames, grounded on
// vcabbage-amqp's encode.go bufPool.
var framePool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// frameHeaderSize is the fixed 7-byte envelope header preceding every
// frame's payload (spec.md §3: type:u8 | channel:u16 | length:u32).
const frameHeaderSize = 7

// FrameReader turns a byte stream into typed Frames. It tolerates partial
// reads: ReadFrame blocks (cooperatively, from the Conn's single reader
// goroutine) until a complete frame has arrived, reusing a bufio.Reader so
// that no frame is ever read twice or dropped across calls (spec.md §4.2).
type FrameReader struct {
	r        *bufio.Reader
	frameMax uint32
}

// NewFrameReader wraps r. frameMax is the negotiated maximum frame size;
// zero means unbounded (used before negotiation completes).
func NewFrameReader(r io.Reader, frameMax uint32) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 4096), frameMax: frameMax}
}

// SetFrameMax updates the negotiated maximum frame size.
func (fr *FrameReader) SetFrameMax(max uint32) { fr.frameMax = max }

// ReadFrame reads exactly one frame, validating the trailing 0xCE marker
// and classifying malformed input as KindFrameFormat, oversized frames as
// KindFrameTooLarge — both fatal to the connection per spec.md §7.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return Frame{}, wrapError(KindFrameFormat, err, "reading frame header")
	}

	typ := header[0]
	channel := binary.BigEndian.Uint16(header[1:3])
	length := binary.BigEndian.Uint32(header[3:7])

	if fr.frameMax != 0 && length > fr.frameMax {
		return Frame{}, newError(KindFrameTooLarge, "frame of %d bytes exceeds frame_max %d", length, fr.frameMax)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Frame{}, wrapError(KindFrameFormat, err, "reading frame payload")
	}

	end, err := fr.r.ReadByte()
	if err != nil {
		return Frame{}, wrapError(KindFrameFormat, err, "reading frame end marker")
	}
	if end != frameEnd {
		return Frame{}, newError(KindFrameFormat, "frame end marker %#02x, want %#02x", end, frameEnd)
	}

	return parseFramePayload(typ, channel, payload)
}

func parseFramePayload(typ byte, channel uint16, payload []byte) (Frame, error) {
	switch typ {
	case FrameHeartbeat:
		return Frame{Type: FrameHeartbeat, Channel: channel}, nil

	case FrameMethod:
		if len(payload) < 4 {
			return Frame{}, newError(KindFrameFormat, "method frame payload too short: %d bytes", len(payload))
		}
		return Frame{
			Type:     FrameMethod,
			Channel:  channel,
			ClassID:  binary.BigEndian.Uint16(payload[0:2]),
			MethodID: binary.BigEndian.Uint16(payload[2:4]),
			Args:     payload[4:],
		}, nil

	case FrameHeader:
		if len(payload) < 14 {
			return Frame{}, newError(KindFrameFormat, "content header payload too short: %d bytes", len(payload))
		}
		classID := binary.BigEndian.Uint16(payload[0:2])
		// bytes [2:4] are the content class's "weight", always 0.
		bodySize := binary.BigEndian.Uint64(payload[4:12])
		propertyFlags := binary.BigEndian.Uint16(payload[12:14])
		props, err := decodeBasicProperties(propertyFlags, payload[14:])
		if err != nil {
			return Frame{}, err
		}
		return Frame{
			Type:          FrameHeader,
			Channel:       channel,
			ClassID:       classID,
			BodySize:      bodySize,
			PropertyFlags: propertyFlags,
			Properties:    props,
		}, nil

	case FrameBody:
		return Frame{Type: FrameBody, Channel: channel, Body: payload}, nil

	default:
		return Frame{}, newError(KindFrameFormat, "unknown frame type %#02x", typ)
	}
}

// FrameWriter serializes a Frame to one contiguous buffer and writes it in
// a single call, so that writes are atomic at the frame level and never
// interleave with another frame on the wire (spec.md §4.2/§4.3). Grounded
// on vcabbage-amqp's bufPool-backed writeFrame.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

// WriteFrame encodes fr and writes it atomically.
func (fw *FrameWriter) WriteFrame(fr Frame) error {
	buf := framePool.Get().(*bytes.Buffer)
	buf.Reset()
	defer framePool.Put(buf)

	payload, err := encodeFramePayload(fr)
	if err != nil {
		return err
	}

	var header [frameHeaderSize]byte
	header[0] = fr.Type
	binary.BigEndian.PutUint16(header[1:3], fr.Channel)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(payload)))

	buf.Write(header[:])
	buf.Write(payload)
	buf.WriteByte(frameEnd)

	_, err = fw.w.Write(buf.Bytes())
	return err
}

func encodeFramePayload(fr Frame) ([]byte, error) {
	var buf bytes.Buffer
	switch fr.Type {
	case FrameHeartbeat:
		return nil, nil

	case FrameMethod:
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], fr.ClassID)
		binary.BigEndian.PutUint16(hdr[2:4], fr.MethodID)
		buf.Write(hdr[:])
		buf.Write(fr.Args)
		return buf.Bytes(), nil

	case FrameHeader:
		flags, propBytes, err := encodeBasicProperties(fr.Properties)
		if err != nil {
			return nil, err
		}
		var hdr [14]byte
		binary.BigEndian.PutUint16(hdr[0:2], fr.ClassID)
		binary.BigEndian.PutUint16(hdr[2:4], 0) // weight, always 0
		binary.BigEndian.PutUint64(hdr[4:12], fr.BodySize)
		binary.BigEndian.PutUint16(hdr[12:14], flags)
		buf.Write(hdr[:])
		buf.Write(propBytes)
		return buf.Bytes(), nil

	case FrameBody:
		return fr.Body, nil

	default:
		return nil, errors.Errorf("qamqp: cannot encode frame type %#02x", fr.Type)
	}
}
