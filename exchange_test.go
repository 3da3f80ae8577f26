package qamqp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// decodeQueueBindArgsForTest mirrors queueBindArgs.encode's layout, needed
// only by the broker role this test plays.
func decodeQueueBindArgsForTest(t *testing.T, payload []byte) (queue, exchange, routingKey string) {
	t.Helper()
	r := bytes.NewReader(payload)
	_, err := readUint(r, 2)
	require.NoError(t, err)
	queue, err = readShortString(r)
	require.NoError(t, err)
	exchange, err = readShortString(r)
	require.NoError(t, err)
	routingKey, err = readShortString(r)
	require.NoError(t, err)
	return queue, exchange, routingKey
}

// TestExchangeDeclareBindDelete exercises the Exchange handle end-to-end:
// Declare, Queue.BindExchange against it, then Delete. The exchange's
// Channel and the queue's Channel are multiplexed over the same
// connection, so once the broker has written Exchange.Declare-Ok, the
// queue declare that follows can only observe its own EventDeclared after
// the exchange's Declare-Ok has already been fully dispatched — frames
// arrive at the mux strictly in the order the broker wrote them onto the
// one underlying net.Conn, so that ordering is what lets this test check
// ex.Declared() without racing the mux goroutine.
func TestExchangeDeclareBindDelete(t *testing.T) {
	q, broker := newTestQueuePair(t)
	conn := q.channel.conn

	type newExchangeResult struct {
		ex  *Exchange
		err error
	}
	exCh := make(chan newExchangeResult, 1)
	go func() {
		ex, err := NewExchange(conn, "orders.topic", "topic")
		exCh <- newExchangeResult{ex, err}
	}()
	broker.expectMethod(classChannel, methodChannelOpen)
	broker.sendMethod(2, classChannel, methodChannelOpenOk, nil)
	r := <-exCh
	require.NoError(t, r.err)
	ex := r.ex
	require.Equal(t, "orders.topic", ex.Name())
	require.False(t, ex.Declared())

	require.NoError(t, ex.Declare(ExchangeOptDurable))
	declareFr := broker.expectMethod(classExchange, methodExchangeDeclare)
	require.Equal(t, uint16(2), declareFr.Channel)
	broker.sendMethod(2, classExchange, methodExchangeDeclareOk, nil)

	declareAndWait(t, q, broker, "orders", 0)
	require.True(t, ex.Declared())

	require.NoError(t, q.BindExchange(ex, "orders.created"))
	bindFr := broker.expectMethod(classQueue, methodQueueBind)
	queueArg, exchangeArg, routingKeyArg := decodeQueueBindArgsForTest(t, bindFr.Args)
	require.Equal(t, "orders", queueArg)
	require.Equal(t, "orders.topic", exchangeArg)
	require.Equal(t, "orders.created", routingKeyArg)
	broker.sendMethod(1, classQueue, methodQueueBindOk, nil)
	waitForEvent(t, q, EventBound)

	require.NoError(t, ex.Delete(false))
	deleteFr := broker.expectMethod(classExchange, methodExchangeDelete)
	require.Equal(t, uint16(2), deleteFr.Channel)
	broker.sendMethod(2, classExchange, methodExchangeDeleteOk, nil)

	// Same cross-channel ordering trick as above to observe the delete
	// having been dispatched before the assertion.
	require.NoError(t, q.Purge())
	broker.expectMethod(classQueue, methodQueuePurge)
	broker.sendMethod(1, classQueue, methodQueuePurgeOk, encodeUint32Arg(0))
	waitForEvent(t, q, EventPurged)
	require.False(t, ex.Declared())
}
