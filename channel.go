package qamqp

// ChannelState is the lifecycle state of a Channel, per spec.md §3.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosing
)

// Channel is a virtual session multiplexed over the connection, per
// spec.md §3/§4.4. Each Channel is owned by the Conn and, in this
// implementation, wraps at most one Queue handle — mirroring the original
// qamqp, where Queue is itself a Channel subclass (one queue, one
// channel), rather than spec.md's more general "any number of Queue
// handles may reference a Channel" phrasing. A single handle per channel
// is the topology every operation in spec.md §4.5/§8 exercises.
type Channel struct {
	id    uint16
	conn  *Conn
	state ChannelState

	pending []pendingRequest // FIFO: in-flight synchronous Queue/Basic ops
	replay  []func()         // ops deferred until Open, replayed in call order

	partial *partialMessage // the one message currently being reassembled
	ready   []*Message      // complete messages awaiting next_message()

	queue *Queue

	closeErr *Error
}

// requestKind names the Queue/Basic operation a pendingRequest is waiting
// on a reply for. completePending matches replies by arrival order only
// and does not compare the reply's method against kind, so a mismatched
// -Ok is handed to whichever request is at the head of the FIFO.
type requestKind int

const (
	reqDeclare requestKind = iota
	reqBind
	reqUnbind
	reqPurge
	reqDelete
	reqConsume
	reqCancel
	reqGet
)

type pendingRequest struct {
	kind     requestKind
	complete func(Frame) error // invoked with the matching reply frame
	fail     func(*Error)      // invoked if the channel closes first
}

func newChannel(conn *Conn, id uint16) *Channel {
	return &Channel{id: id, conn: conn, state: ChannelOpening}
}

// open sends Channel.Open; it does not change state (newChannel already
// starts the channel in Opening). onOpened runs once Channel.Open-Ok
// arrives.
func (c *Channel) open() error {
	return c.conn.sendFrame(Frame{
		Type:     FrameMethod,
		Channel:  c.id,
		ClassID:  classChannel,
		MethodID: methodChannelOpen,
		Args:     encodeChannelOpen(),
	})
}

// onOpened transitions the channel to Open and replays deferred operations
// in call order, per spec.md §4.4's ordering guarantee and the original
// qamqp's Queue::onOpen (delayedDeclare / delayedBindings replay).
func (c *Channel) onOpened() {
	c.state = ChannelOpen
	replay := c.replay
	c.replay = nil
	for _, op := range replay {
		op()
	}
}

// deferOrSend runs send immediately if the channel is open, otherwise
// queues it for replay once Open-Ok arrives. This is the single
// generalized replay queue spec.md §9's design note calls for, in place
// of the original's mix of a delayedDeclare bool and a delayedBindings
// pair-list.
func (c *Channel) deferOrSend(send func() error) error {
	if c.state == ChannelOpen {
		return send()
	}
	c.replay = append(c.replay, func() {
		if err := send(); err != nil {
			if c.queue != nil {
				c.queue.emitError(wrapError(KindInvalidState, err, "replaying deferred operation"))
			} else {
				c.conn.logger.Error("replaying deferred operation", "err", err)
			}
		}
	})
	return nil
}

func (c *Channel) sendMethod(classID, methodID uint16, args []byte) error {
	return c.conn.sendFrame(Frame{Type: FrameMethod, Channel: c.id, ClassID: classID, MethodID: methodID, Args: args})
}

func (c *Channel) pushPending(p pendingRequest) {
	c.pending = append(c.pending, p)
}

func (c *Channel) popPending() (pendingRequest, bool) {
	if len(c.pending) == 0 {
		return pendingRequest{}, false
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p, true
}

// handleFrame dispatches one inbound frame already routed to this channel
// by the Conn's demultiplexer. A channel that has already seen
// Channel.Close drops everything but never logged events past the
// terminal error, per spec.md §8 invariant 5 — the protocol shouldn't
// address a closed channel again, but Conn doesn't forget the id until
// the whole connection tears down, so this guard is what actually
// enforces the invariant if a peer does anyway.
func (c *Channel) handleFrame(fr Frame) {
	if c.state == ChannelClosed {
		c.conn.logger.Debug("frame on closed channel, dropping", "channel", c.id)
		return
	}
	switch fr.Type {
	case FrameMethod:
		c.handleMethod(fr)
	case FrameHeader:
		c.handleContentHeader(fr)
	case FrameBody:
		c.handleContentBody(fr)
	}
}

// handleMethod routes an inbound method frame. Basic.Deliver is the one
// method that never completes a pending request — it's an unsolicited
// server push — so it's dispatched straight to the queue's delivery path;
// everything else on classQueue/classBasic/classExchange completes the
// head of this channel's pending FIFO, since Queue and Exchange push
// self-contained completion closures onto it when they issue a request.
func (c *Channel) handleMethod(fr Frame) {
	switch fr.ClassID {
	case classChannel:
		c.handleChannelMethod(fr)
	case classBasic:
		if fr.MethodID == methodBasicDeliver {
			if c.queue == nil {
				c.conn.logger.Debug("delivery on channel with no queue handle, dropping", "channel", c.id)
				return
			}
			c.queue.handleDeliver(fr)
			return
		}
		c.completePending(fr)
	case classQueue, classExchange:
		c.completePending(fr)
	default:
		// Unknown classes are ignored for extensibility, per spec.md §4.4.
		c.conn.logger.Debug("unknown method class, dropping", "classID", fr.ClassID)
	}
}

func (c *Channel) completePending(fr Frame) {
	p, ok := c.popPending()
	if !ok {
		c.conn.logger.Warn("unexpected method with empty pending queue", "channel", c.id, "classID", fr.ClassID, "methodID", fr.MethodID)
		return
	}
	if err := p.complete(fr); err != nil {
		c.conn.logger.Error("completing pending request", "err", err)
	}
}

func (c *Channel) handleChannelMethod(fr Frame) {
	switch fr.MethodID {
	case methodChannelOpenOk:
		c.onOpened()
	case methodChannelClose:
		args, err := decodeChannelClose(fr.Args)
		if err != nil {
			c.conn.closeWithError(wrapError(KindFrameFormat, err, "decoding Channel.Close"))
			return
		}
		c.closedByPeer(replyError(args.ReplyCode, args.ReplyText))
		// The protocol requires acknowledging with Close-Ok.
		c.sendMethod(classChannel, methodChannelCloseOk, nil)
	case methodChannelCloseOk:
		c.state = ChannelClosed
	}
}

// closedByPeer transitions to Closing/Closed, drains pending requests with
// the carried error, and emits the terminal error event, per spec.md §4.4
// and §8 invariant 5 ("no further events fire except the terminal error").
// The queue's resetOnClose runs unconditionally rather than only through a
// pending request's fail callback: a queue that was successfully declared
// and idle (nothing in flight) when the connection drops must still lose
// its declared/consuming state, per spec.md §3's invariant.
func (c *Channel) closedByPeer(err *Error) {
	c.state = ChannelClosing
	c.closeErr = err
	for {
		p, ok := c.popPending()
		if !ok {
			break
		}
		if p.fail != nil {
			p.fail(err)
		}
	}
	if c.queue != nil {
		c.queue.resetOnClose()
		if err != nil {
			c.queue.emitError(err)
		}
	}
	c.state = ChannelClosed
}

func (c *Channel) handleContentHeader(fr Frame) {
	if c.partial == nil {
		c.conn.logger.Warn("content header without preceding method, dropping", "channel", c.id)
		return
	}
	c.partial.msg.Remaining = fr.BodySize
	c.partial.msg.Properties = fr.Properties
	c.partial.headerSeen = true
	if fr.BodySize == 0 {
		c.completeCurrent()
	}
}

func (c *Channel) handleContentBody(fr Frame) {
	if c.partial == nil || !c.partial.headerSeen {
		c.conn.logger.Warn("content body without preceding header, dropping", "channel", c.id)
		return
	}
	c.partial.msg.Payload = append(c.partial.msg.Payload, fr.Body...)
	c.partial.msg.Remaining -= uint64(len(fr.Body))
	if c.partial.msg.Remaining == 0 {
		c.completeCurrent()
	}
}

// beginDelivery allocates the head-of-ring PartialMessage for a new
// Basic.Deliver or Basic.Get-Ok, per spec.md §4.5's delivery path steps
// 1-2 and the design note replacing the original's tail-mutated leftSize.
func (c *Channel) beginDelivery(msg *Message) {
	c.partial = &partialMessage{msg: msg}
}

func (c *Channel) completeCurrent() {
	msg := c.partial.msg
	c.partial = nil
	c.ready = append(c.ready, msg)
	if c.queue != nil {
		c.queue.deliveryCompleted(msg)
	}
}

// nextMessage pops the oldest complete message, implementing
// Queue.next_message() from spec.md §6.
func (c *Channel) nextMessage() *Message {
	if len(c.ready) == 0 {
		return nil
	}
	m := c.ready[0]
	c.ready = c.ready[1:]
	return m
}

func (c *Channel) hasCompleteMessage() bool { return len(c.ready) > 0 }
