package qamqp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEndToEndScenarios encodes the seven literal scenarios from spec.md
// §8 against the in-process fake broker of faketransport_test.go. Each
// sub-test scripts only the wire exchange that scenario depends on; a real
// multi-connection broker's internal bookkeeping (e.g. actually enforcing
// an exclusive lock across two TCP connections) is out of scope for this
// core and is not exercised here.
func TestEndToEndScenarios(t *testing.T) {
	t.Run("default exchange delivery", func(t *testing.T) {
		q, broker := newTestQueuePair(t)
		declareAndWait(t, q, broker, "test-default-exchange", 0)
		tag := consumeAndWait(t, q, broker, "", 0)

		broker.deliverMessage(1, tag, 1, "", "test-default-exchange", []byte("first message"))
		waitForEvent(t, q, EventMessageReceived)

		msg := q.NextMessage()
		require.NotNil(t, msg)
		require.Equal(t, "first message", string(msg.Payload))
	})

	t.Run("invalid declare reports access refused", func(t *testing.T) {
		q, broker := newTestQueuePair(t)
		require.NoError(t, q.Declare("amq.direct", 0))
		broker.expectMethod(classQueue, methodQueueDeclare)
		broker.sendChannelClose(1, 403, "ACCESS_REFUSED - amq.direct is reserved")

		ev := waitForEvent(t, q, EventError)
		require.Equal(t, KindAccessRefused, ev.Err.Kind)
		require.Equal(t, uint16(403), ev.Err.ReplyCode)
		require.False(t, q.Declared())
	})

	t.Run("passive declare on missing queue reports not found", func(t *testing.T) {
		q, broker := newTestQueuePair(t)
		require.NoError(t, q.Declare("test-not-found", OptPassive))
		broker.expectMethod(classQueue, methodQueueDeclare)
		broker.sendChannelClose(1, 404, "NOT_FOUND - no queue 'test-not-found'")

		ev := waitForEvent(t, q, EventError)
		require.Equal(t, KindNotFound, ev.Err.Kind)
		require.Equal(t, uint16(404), ev.Err.ReplyCode)
	})

	t.Run("exclusive lock from another connection reports resource locked", func(t *testing.T) {
		// Connection A's declare of an exclusive "q" is simulated by simply
		// never modelling it — what this core must get right is connection
		// B's handling of the 405 the broker would send back.
		qB, brokerB := newTestQueuePair(t)
		require.NoError(t, qB.Declare("q", OptPassive))
		brokerB.expectMethod(classQueue, methodQueueDeclare)
		brokerB.sendChannelClose(1, 405, "RESOURCE_LOCKED - queue 'q' in exclusive use")

		ev := waitForEvent(t, qB, EventError)
		require.Equal(t, KindResourceLocked, ev.Err.Kind)
		require.Equal(t, uint16(405), ev.Err.ReplyCode)
	})

	t.Run("remove if-unused on a consumed queue reports precondition failed", func(t *testing.T) {
		q, broker := newTestQueuePair(t)
		declareAndWait(t, q, broker, "busy-queue", 0)
		consumeAndWait(t, q, broker, "ctag", 0)

		require.NoError(t, q.Remove(RemoveIfUnused))
		broker.expectMethod(classQueue, methodQueueDelete)
		broker.sendChannelClose(1, 406, "PRECONDITION_FAILED - queue 'busy-queue' in use")

		ev := waitForEvent(t, q, EventError)
		require.Equal(t, KindPreconditionFailed, ev.Err.Kind)
		require.Equal(t, uint16(406), ev.Err.ReplyCode)
	})

	t.Run("purge reports the purged count", func(t *testing.T) {
		q, broker := newTestQueuePair(t)
		declareAndWait(t, q, broker, "purge-me", OptDurable)

		require.NoError(t, q.Purge())
		broker.expectMethod(classQueue, methodQueuePurge)
		broker.sendMethod(1, classQueue, methodQueuePurgeOk, encodeUint32Arg(3))

		ev := waitForEvent(t, q, EventPurged)
		require.Equal(t, uint32(3), ev.Count)
	})

	t.Run("cancel lifecycle", func(t *testing.T) {
		q, broker := newTestQueuePair(t)
		declareAndWait(t, q, broker, "cancel-me", 0)
		tag := consumeAndWait(t, q, broker, "", 0)
		require.NotEmpty(t, tag)

		cancelAndWait(t, q, broker, tag)
		require.Equal(t, "", q.ConsumerTag())

		ok, err := q.Cancel()
		require.NoError(t, err)
		require.False(t, ok)
	})
}
