package qamqp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func declareAndWait(t *testing.T, q *Queue, broker *fakeBroker, name string, opts QueueOption) {
	t.Helper()
	require.NoError(t, q.Declare(name, opts))
	broker.expectMethod(classQueue, methodQueueDeclare)
	broker.sendMethod(1, classQueue, methodQueueDeclareOk, encodeQueueDeclareOk(name, 0, 0))
	waitForEvent(t, q, EventDeclared)
}

// TestDeliveryReassemblyPreservesOrder verifies spec.md §8 invariant 2: the
// concatenation of emitted payloads equals the concatenation of
// server-sent body fragments, in order, across a multi-frame delivery.
func TestDeliveryReassemblyPreservesOrder(t *testing.T) {
	q, broker := newTestQueuePair(t)
	declareAndWait(t, q, broker, "orders", OptDurable)
	tag := consumeAndWait(t, q, broker, "ctag", 0)

	broker.deliverMessageFragmented(1, tag, 1, "", "orders", [][]byte{
		[]byte("hello "), []byte("wo"), []byte("rld"),
	})
	waitForEvent(t, q, EventMessageReceived)

	require.True(t, q.HasCompleteMessage())
	msg := q.NextMessage()
	require.NotNil(t, msg)
	require.Equal(t, "hello world", string(msg.Payload))
	require.Equal(t, uint64(1), msg.DeliveryTag)
	require.True(t, msg.Complete())
	require.False(t, q.HasCompleteMessage())

	// A second, single-frame delivery preserves its own order too and
	// doesn't see any of the first delivery's bytes.
	broker.deliverMessage(1, tag, 2, "", "orders", []byte("second"))
	waitForEvent(t, q, EventMessageReceived)
	msg2 := q.NextMessage()
	require.Equal(t, "second", string(msg2.Payload))
	require.Equal(t, uint64(2), msg2.DeliveryTag)
}

// TestAckBookkeeping verifies spec.md §8 invariant 3: an acknowledged
// delivery tag was one previously delivered, sent with multiple=false.
// The no_ack path is covered by TestAckSkippedWhenNoAck.
func TestAckBookkeeping(t *testing.T) {
	q, broker := newTestQueuePair(t)
	declareAndWait(t, q, broker, "acks", 0)
	tag := consumeAndWait(t, q, broker, "ctag", 0)

	broker.deliverMessage(1, tag, 7, "", "acks", []byte("payload"))
	waitForEvent(t, q, EventMessageReceived)
	msg := q.NextMessage()
	require.Equal(t, uint64(7), msg.DeliveryTag)

	require.NoError(t, q.Ack(msg))
	ackFr := broker.expectMethod(classBasic, methodBasicAck)
	gotTag, multiple := decodeAckArgsForTest(t, ackFr.Args)
	require.Equal(t, uint64(7), gotTag)
	require.False(t, multiple)
}

// TestAckSkippedWhenNoAck verifies the no_ack path never puts a Basic.Ack
// on the wire: after Ack, the next frame the broker observes is the one
// from an unrelated follow-up operation, not an ack.
func TestAckSkippedWhenNoAck(t *testing.T) {
	q, broker := newTestQueuePair(t)
	declareAndWait(t, q, broker, "noack", 0)
	tag := consumeAndWait(t, q, broker, "ctag", ConsumeNoAck)

	broker.deliverMessage(1, tag, 1, "", "noack", []byte("x"))
	waitForEvent(t, q, EventMessageReceived)
	msg := q.NextMessage()

	require.NoError(t, q.Ack(msg))

	// Issue an unrelated operation; if Ack had (incorrectly) sent a frame
	// first, this would observe Basic.Ack instead of Queue.Purge.
	require.NoError(t, q.Purge())
	broker.expectMethod(classQueue, methodQueuePurge)
}

func decodeAckArgsForTest(t *testing.T, payload []byte) (deliveryTag uint64, multiple bool) {
	t.Helper()
	r := bytes.NewReader(payload)
	tag, err := readUint(r, 8)
	require.NoError(t, err)
	flagByte, err := r.ReadByte()
	require.NoError(t, err)
	bits := NewBitReader(flagByte)
	return tag, bits.Bit()
}
