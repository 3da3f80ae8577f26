package qamqp

import (
	"bytes"
	"net"
	"time"
)

// protocolHeader is AMQP 0-9-1's literal connection preamble, sent before
// any framed traffic. Grounded on vcabbage-amqp's exchangeProtoHeader,
// narrowed from the generic {proto, major, minor, revision} header that
// function negotiates down to the fixed 0-9-1 byte sequence RabbitMQ and
// compatible brokers expect.
var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// HandshakeOptions configures the connection-level handshake external to
// the core per spec.md §1; this is the "best-effort shim" SPEC_FULL.md §0
// calls for, good enough to obtain a negotiated frame_max/heartbeat and
// hand off to NewConn.
type HandshakeOptions struct {
	VHost    string
	Username string
	Password string
	Locale   string

	// FrameMax/Heartbeat are this client's preference; the broker's Tune
	// values are honored if lower, per AMQP 0-9-1 negotiation rules.
	FrameMax  uint32
	Heartbeat time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	if o.Locale == "" {
		o.Locale = "en_US"
	}
	if o.FrameMax == 0 {
		o.FrameMax = defaultFrameMax
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = defaultHeartbeat
	}
	return o
}

// Handshake performs the protocol-header exchange and Connection.Start /
// Start-Ok / Tune / Tune-Ok / Open / Open-Ok sequence over netConn using
// SASL PLAIN, blocking the calling goroutine until Connection.Open-Ok
// arrives (no Conn exists yet to post work onto). On success it returns
// a ready-to-use Conn with the negotiated frame_max and heartbeat
// already applied.
func Handshake(netConn net.Conn, opts HandshakeOptions) (*Conn, error) {
	opts = opts.withDefaults()

	if _, err := netConn.Write(protocolHeader); err != nil {
		return nil, wrapError(KindFrameFormat, err, "writing protocol header")
	}

	fr := NewFrameReader(netConn, 0)
	fw := NewFrameWriter(netConn)

	start, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if start.Type != FrameMethod || start.ClassID != classConnection || start.MethodID != methodConnectionStart {
		return nil, newError(KindFrameFormat, "expected Connection.Start, got class %d method %d", start.ClassID, start.MethodID)
	}

	startOk, err := encodeConnectionStartOk(opts.Username, opts.Password, opts.Locale)
	if err != nil {
		return nil, err
	}
	if err := fw.WriteFrame(Frame{Type: FrameMethod, ClassID: classConnection, MethodID: methodConnectionStartOk, Args: startOk}); err != nil {
		return nil, wrapError(KindFrameFormat, err, "writing Connection.Start-Ok")
	}

	tune, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if tune.Type != FrameMethod || tune.ClassID != classConnection || tune.MethodID != methodConnectionTune {
		return nil, newError(KindFrameFormat, "expected Connection.Tune, got class %d method %d", tune.ClassID, tune.MethodID)
	}
	serverFrameMax, serverHeartbeat, err := decodeConnectionTune(tune.Args)
	if err != nil {
		return nil, err
	}

	frameMax := opts.FrameMax
	if serverFrameMax != 0 && serverFrameMax < frameMax {
		frameMax = serverFrameMax
	}
	heartbeat := opts.Heartbeat
	if serverHeartbeat != 0 && serverHeartbeat < heartbeat {
		heartbeat = serverHeartbeat
	}

	tuneOk := encodeConnectionTuneOk(frameMax, heartbeat)
	if err := fw.WriteFrame(Frame{Type: FrameMethod, ClassID: classConnection, MethodID: methodConnectionTuneOk, Args: tuneOk}); err != nil {
		return nil, wrapError(KindFrameFormat, err, "writing Connection.Tune-Ok")
	}

	openArgs, err := encodeConnectionOpen(opts.VHost)
	if err != nil {
		return nil, err
	}
	if err := fw.WriteFrame(Frame{Type: FrameMethod, ClassID: classConnection, MethodID: methodConnectionOpen, Args: openArgs}); err != nil {
		return nil, wrapError(KindFrameFormat, err, "writing Connection.Open")
	}

	openOk, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if openOk.Type != FrameMethod || openOk.ClassID != classConnection || openOk.MethodID != methodConnectionOpenOk {
		return nil, newError(KindFrameFormat, "expected Connection.Open-Ok, got class %d method %d", openOk.ClassID, openOk.MethodID)
	}

	return NewConn(netConn, OptFrameMax(frameMax), OptHeartbeat(heartbeat), OptHostname(opts.VHost)), nil
}

func encodeConnectionStartOk(user, password, locale string) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeFieldTable(&buf, nil); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, "PLAIN"); err != nil {
		return nil, err
	}
	response := "\x00" + user + "\x00" + password
	if err := writeLongString(&buf, []byte(response)); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, locale); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeConnectionTune(payload []byte) (frameMax uint32, heartbeat time.Duration, err error) {
	r := bytes.NewReader(payload)
	if _, err := readUint(r, 2); err != nil { // channel-max, unused by this core
		return 0, 0, err
	}
	fm, err := readUint(r, 4)
	if err != nil {
		return 0, 0, err
	}
	hb, err := readUint(r, 2)
	if err != nil {
		return 0, 0, err
	}
	return uint32(fm), time.Duration(hb) * time.Second, nil
}

func encodeConnectionTuneOk(frameMax uint32, heartbeat time.Duration) []byte {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // channel-max: no limit requested
	writeUint(&buf, 4, uint64(frameMax))
	writeUint(&buf, 2, uint64(heartbeat/time.Second))
	return buf.Bytes()
}

func encodeConnectionOpen(vhost string) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeShortString(&buf, vhost); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, ""); err != nil { // capabilities, deprecated
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(false) // insist
	buf.Write(bits.Bytes())
	return buf.Bytes(), nil
}
