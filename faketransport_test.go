package qamqp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBroker is a minimal in-process AMQP peer speaking just enough of the
// protocol to drive the scenarios below, grounded on vcabbage-amqp's
// example_server_test.go in-process test server: one end of a net.Pipe,
// read/written with the same FrameReader/FrameWriter the real client uses.
type fakeBroker struct {
	t    *testing.T
	conn net.Conn
	fr   *FrameReader
	fw   *FrameWriter
}

func newFakeBroker(t *testing.T, conn net.Conn) *fakeBroker {
	return &fakeBroker{t: t, conn: conn, fr: NewFrameReader(conn, 0), fw: NewFrameWriter(conn)}
}

// close drops the broker's end of the connection, simulating a transport
// failure (heartbeat timeout, TCP reset) out from under the client.
func (b *fakeBroker) close() { b.conn.Close() }

func (b *fakeBroker) readFrame() Frame {
	b.t.Helper()
	fr, err := b.fr.ReadFrame()
	require.NoError(b.t, err)
	return fr
}

// expectMethod reads the next frame and asserts it is the named method.
func (b *fakeBroker) expectMethod(classID, methodID uint16) Frame {
	b.t.Helper()
	fr := b.readFrame()
	require.Equal(b.t, FrameMethod, fr.Type, "frame type")
	require.Equal(b.t, classID, fr.ClassID, "class id")
	require.Equal(b.t, methodID, fr.MethodID, "method id")
	return fr
}

func (b *fakeBroker) send(fr Frame) {
	b.t.Helper()
	require.NoError(b.t, b.fw.WriteFrame(fr))
}

func (b *fakeBroker) sendMethod(channel uint16, classID, methodID uint16, args []byte) {
	b.send(Frame{Type: FrameMethod, Channel: channel, ClassID: classID, MethodID: methodID, Args: args})
}

// sendChannelClose writes Channel.Close with the given reply code/text.
func (b *fakeBroker) sendChannelClose(channel uint16, replyCode uint16, replyText string) {
	b.sendMethod(channel, classChannel, methodChannelClose, encodeChannelClose(channelCloseArgs{
		ReplyCode: replyCode,
		ReplyText: replyText,
		ClassID:   classQueue,
		MethodID:  methodQueueDeclare,
	}))
}

// deliverMessage writes the three-frame Basic.Deliver/ContentHeader/
// ContentBody sequence spec.md §4.5's delivery path describes, body in one
// piece.
func (b *fakeBroker) deliverMessage(channel uint16, tag string, deliveryTag uint64, exchange, routingKey string, payload []byte) {
	b.deliverMessageFragmented(channel, tag, deliveryTag, exchange, routingKey, [][]byte{payload})
}

// deliverMessageFragmented is deliverMessage but splits the body across
// several ContentBody frames, exercising reassembly across fragments.
func (b *fakeBroker) deliverMessageFragmented(channel uint16, tag string, deliveryTag uint64, exchange, routingKey string, chunks [][]byte) {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	b.sendMethod(channel, classBasic, methodBasicDeliver, encodeDeliver(tag, deliveryTag, false, exchange, routingKey))
	b.send(Frame{Type: FrameHeader, Channel: channel, ClassID: classBasic, BodySize: uint64(total)})
	for _, c := range chunks {
		b.send(Frame{Type: FrameBody, Channel: channel, Body: c})
	}
}

// --- encode helpers mirroring method.go's decode side, needed only by the
// broker role these tests play (the real client never encodes replies). ---

func encodeDeliver(tag string, deliveryTag uint64, redelivered bool, exchange, routingKey string) []byte {
	var buf bytes.Buffer
	writeShortString(&buf, tag)
	writeUint(&buf, 8, deliveryTag)
	var bits BitWriter
	bits.PutBit(redelivered)
	buf.Write(bits.Bytes())
	writeShortString(&buf, exchange)
	writeShortString(&buf, routingKey)
	return buf.Bytes()
}

func encodeQueueDeclareOk(name string, msgCount, consumerCount uint32) []byte {
	var buf bytes.Buffer
	writeShortString(&buf, name)
	writeUint(&buf, 4, uint64(msgCount))
	writeUint(&buf, 4, uint64(consumerCount))
	return buf.Bytes()
}

func encodeShortStringArg(s string) []byte {
	var buf bytes.Buffer
	writeShortString(&buf, s)
	return buf.Bytes()
}

func encodeUint32Arg(n uint32) []byte {
	var buf bytes.Buffer
	writeUint(&buf, 4, uint64(n))
	return buf.Bytes()
}

// decodeBasicConsumeTagForTest parses just enough of Basic.Consume's
// argument layout (reserved short, queue short-string, consumer-tag
// short-string) to recover the tag the client actually sent.
func decodeBasicConsumeTagForTest(t *testing.T, args []byte) string {
	t.Helper()
	r := bytes.NewReader(args)
	_, err := readUint(r, 2)
	require.NoError(t, err)
	_, err = readShortString(r)
	require.NoError(t, err)
	tag, err := readShortString(r)
	require.NoError(t, err)
	return tag
}

// newTestQueuePair dials an in-process pipe, starts a Conn on one end and a
// fakeBroker on the other, and completes the Channel.Open handshake that
// NewQueue triggers. Channel.Open itself blocks the caller until the mux
// has sent the frame, so the exchange runs in a goroutine while this
// goroutine plays the broker's side.
func newTestQueuePair(t *testing.T) (*Queue, *fakeBroker) {
	t.Helper()
	clientConn, brokerConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		brokerConn.Close()
	})

	conn := NewConn(clientConn, OptHeartbeat(0))
	broker := newFakeBroker(t, brokerConn)

	type newQueueResult struct {
		q   *Queue
		err error
	}
	resultCh := make(chan newQueueResult, 1)
	go func() {
		q, err := NewQueue(conn)
		resultCh <- newQueueResult{q, err}
	}()

	broker.expectMethod(classChannel, methodChannelOpen)
	broker.sendMethod(1, classChannel, methodChannelOpenOk, nil)

	r := <-resultCh
	require.NoError(t, r.err)
	return r.q, broker
}

// waitForEvent reads the next event off q.Events(), failing the test if
// none arrives within a generous timeout or if it doesn't match kind.
func waitForEvent(t *testing.T, q *Queue, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-q.Events():
		require.Equal(t, kind, ev.Kind, "got event %+v", ev)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %s", kind)
		return Event{}
	}
}

// consumeAndWait drives Queue.Consume to completion against broker,
// running the call in a goroutine since Consume blocks its caller until
// the mux goroutine's reply round trip (including the Basic.Consume wire
// write) finishes.
func consumeAndWait(t *testing.T, q *Queue, broker *fakeBroker, tag string, opts ConsumeOption) string {
	t.Helper()
	type res struct {
		ok  bool
		err error
	}
	out := make(chan res, 1)
	go func() {
		ok, err := q.Consume(tag, opts)
		out <- res{ok, err}
	}()

	fr := broker.expectMethod(classBasic, methodBasicConsume)
	// An empty tag is filled in client-side with a generated uuid before
	// the method is ever sent, so the broker always just echoes whatever
	// tag actually went out on the wire.
	assignedTag := decodeBasicConsumeTagForTest(t, fr.Args)
	broker.sendMethod(1, classBasic, methodBasicConsumeOk, encodeShortStringArg(assignedTag))

	r := <-out
	require.NoError(t, r.err)
	require.True(t, r.ok)
	ev := waitForEvent(t, q, EventConsuming)
	require.Equal(t, assignedTag, ev.Tag)
	return q.ConsumerTag()
}

// cancelAndWait mirrors consumeAndWait for Queue.Cancel.
func cancelAndWait(t *testing.T, q *Queue, broker *fakeBroker, tag string) {
	t.Helper()
	type res struct {
		ok  bool
		err error
	}
	out := make(chan res, 1)
	go func() {
		ok, err := q.Cancel()
		out <- res{ok, err}
	}()

	broker.expectMethod(classBasic, methodBasicCancel)
	broker.sendMethod(1, classBasic, methodBasicCancelOk, nil)

	r := <-out
	require.NoError(t, r.err)
	require.True(t, r.ok)
	ev := waitForEvent(t, q, EventCancelled)
	require.Equal(t, tag, ev.Tag)
}
