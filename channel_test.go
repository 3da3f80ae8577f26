package qamqp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestReplayPreservesCallOrder verifies spec.md §8 invariant 4: operations
// issued before Channel.Open-Ok are executed, in the order issued, once
// the channel opens.
func TestReplayPreservesCallOrder(t *testing.T) {
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

	r := <-resultCh
	require.NoError(t, r.err)
	q := r.q

	// Channel.Open-Ok has not been sent yet, so both calls below must be
	// deferred onto the replay queue rather than sent immediately.
	require.NoError(t, q.Declare("replay-queue", 0))
	require.NoError(t, q.Bind("amq.direct", "rk"))

	broker.sendMethod(1, classChannel, methodChannelOpenOk, nil)

	// Declare must be replayed before Bind, matching call order.
	broker.expectMethod(classQueue, methodQueueDeclare)
	broker.sendMethod(1, classQueue, methodQueueDeclareOk, encodeQueueDeclareOk("replay-queue", 0, 0))
	waitForEvent(t, q, EventDeclared)

	broker.expectMethod(classQueue, methodQueueBind)
	broker.sendMethod(1, classQueue, methodQueueBindOk, nil)
	waitForEvent(t, q, EventBound)
}

// TestConnectionLossResetsQueueState verifies spec.md §3's invariant that
// a queue handle's declared flag (and consuming/consumerTag) doesn't
// survive connection loss, even when nothing was pending at the moment
// the connection dropped.
func TestConnectionLossResetsQueueState(t *testing.T) {
	q, broker := newTestQueuePair(t)
	declareAndWait(t, q, broker, "idle-on-drop", 0)
	consumeAndWait(t, q, broker, "ctag", 0)
	require.True(t, q.Declared())
	require.NotEmpty(t, q.ConsumerTag())

	// Nothing is pending on the channel at this point; simulate a
	// heartbeat timeout or any other transport failure by dropping the
	// broker's end of the pipe out from under the client.
	broker.close()

	waitForEvent(t, q, EventError)
	require.False(t, q.Declared())
	require.Equal(t, "", q.ConsumerTag())
}

// TestChannelCloseSuppressesFurtherEvents verifies spec.md §8 invariant 5:
// after Channel.Close, no further events fire for that channel's queue
// except the terminal error.
func TestChannelCloseSuppressesFurtherEvents(t *testing.T) {
	q, broker := newTestQueuePair(t)
	declareAndWait(t, q, broker, "doomed", 0)

	broker.sendChannelClose(1, 406, "PRECONDITION_FAILED - doomed")

	ev := waitForEvent(t, q, EventError)
	require.NotNil(t, ev.Err)
	require.Equal(t, KindPreconditionFailed, ev.Err.Kind)
	require.Equal(t, uint16(406), ev.Err.ReplyCode)

	// The client must ack the close per the protocol.
	broker.expectMethod(classChannel, methodChannelCloseOk)

	// A further delivery addressed to the now-closed channel must not
	// resurrect any event.
	broker.deliverMessage(1, "ctag", 1, "", "doomed", []byte("too late"))

	select {
	case got := <-q.Events():
		t.Fatalf("unexpected event after channel close: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}
