package qamqp

import "github.com/google/uuid"

// QueueOption is the declare-time bitfield from spec.md §4.5.
type QueueOption uint8

const (
	OptPassive QueueOption = 1 << iota
	OptDurable
	OptExclusive
	OptAutoDelete
	OptNoWait
)

func (o QueueOption) has(f QueueOption) bool { return o&f != 0 }

// RemoveOption is the delete-time bitfield from spec.md §4.5. RemoveForce
// is the zero value: none of the guard flags set.
type RemoveOption uint8

const (
	RemoveIfUnused RemoveOption = 1 << iota
	RemoveIfEmpty
	RemoveNoWait
	RemoveForce RemoveOption = 0
)

func (o RemoveOption) has(f RemoveOption) bool { return o&f != 0 }

// ConsumeOption is the Basic.Consume bitfield from spec.md §4.5.
type ConsumeOption uint8

const (
	ConsumeNoLocal ConsumeOption = 1 << iota
	ConsumeNoAck
	ConsumeExclusive
	ConsumeNoWait
)

func (o ConsumeOption) has(f ConsumeOption) bool { return o&f != 0 }

// Queue is the logical queue handle bound to a channel, per spec.md §3's
// Queue handle data model. In this implementation the channel is owned
// exclusively by the Queue that created it, mirroring the original
// qamqp where Queue is itself a Channel subclass. All of a Queue's
// fields are touched only from Conn's single mux goroutine (spec.md
// §5); every public method here posts its body onto that goroutine via
// Conn.post rather than mutating state directly on the caller's.
type Queue struct {
	name        string
	declared    bool
	consuming   bool
	consumerTag string
	noAck       bool

	channel *Channel
	sink    *eventSink
}

// NewQueue allocates a fresh Channel on conn and returns a Queue handle
// bound to it. The channel's Channel.Open has already been sent; the
// returned Queue's operations may be called immediately — they defer
// until Channel.Open-Ok arrives, per spec.md §4.4's ordering guarantee.
func NewQueue(conn *Conn) (*Queue, error) {
	ch, err := conn.openChannel()
	if err != nil {
		return nil, err
	}
	q := &Queue{channel: ch, sink: newEventSink()}
	ch.queue = q
	return q, nil
}

// Name returns the queue's name, which may be server-assigned if an empty
// name was passed to Declare.
func (q *Queue) Name() string { return q.name }

// Declared reports whether the queue handle currently believes itself
// declared, per spec.md §3's invariant: true only between a successful
// Declare-Ok and any Delete-Ok, connection loss, or peer-initiated cancel.
func (q *Queue) Declared() bool { return q.declared }

// ConsumerTag returns the active consumer tag, or "" if not consuming.
func (q *Queue) ConsumerTag() string { return q.consumerTag }

// Events returns the channel a caller should range over to observe this
// queue's lifecycle and deliveries, per spec.md §4.6.
func (q *Queue) Events() <-chan Event { return q.sink.Events() }

func (q *Queue) emitError(err *Error) {
	q.sink.emit(Event{Kind: EventError, Err: err})
}

// Declare sends Queue.Declare, per spec.md §4.5's declare row. An empty
// name requests a server-assigned one, captured from Declare-Ok.
func (q *Queue) Declare(name string, opts QueueOption) error {
	args := queueDeclareArgs{
		Queue:      name,
		Passive:    opts.has(OptPassive),
		Durable:    opts.has(OptDurable),
		Exclusive:  opts.has(OptExclusive),
		AutoDelete: opts.has(OptAutoDelete),
		NoWait:     opts.has(OptNoWait),
	}
	payload, err := args.encode()
	if err != nil {
		return wrapError(KindFrameFormat, err, "encoding Queue.Declare")
	}
	noWait := opts.has(OptNoWait)
	q.channel.conn.post(func() {
		q.name = name
		err := q.channel.deferOrSend(func() error {
			if !noWait {
				q.channel.pushPending(pendingRequest{
					kind: reqDeclare,
					complete: func(fr Frame) error {
						ok, err := decodeQueueDeclareOk(fr.Args)
						if err != nil {
							return err
						}
						q.name = ok.Queue
						q.declared = true
						q.sink.emit(Event{Kind: EventDeclared})
						return nil
					},
					fail: func(e *Error) {
						q.declared = false
						q.emitError(e)
					},
				})
			}
			if err := q.channel.sendMethod(classQueue, methodQueueDeclare, payload); err != nil {
				return err
			}
			if noWait {
				q.declared = true
			}
			return nil
		})
		if err != nil {
			q.emitError(wrapError(KindInvalidState, err, "sending Queue.Declare"))
		}
	})
	return nil
}

// Bind sends Queue.Bind, per spec.md §4.5's bind row.
func (q *Queue) Bind(exchange, key string) error {
	q.channel.conn.post(func() {
		args := queueBindArgs{Queue: q.name, Exchange: exchange, RoutingKey: key}
		payload, err := args.encode()
		if err != nil {
			q.emitError(wrapError(KindFrameFormat, err, "encoding Queue.Bind"))
			return
		}
		err = q.channel.deferOrSend(func() error {
			q.channel.pushPending(pendingRequest{
				kind: reqBind,
				complete: func(Frame) error {
					q.sink.emit(Event{Kind: EventBound})
					return nil
				},
				fail: q.emitError,
			})
			return q.channel.sendMethod(classQueue, methodQueueBind, payload)
		})
		if err != nil {
			q.emitError(wrapError(KindInvalidState, err, "sending Queue.Bind"))
		}
	})
	return nil
}

// BindExchange is a convenience wrapper accepting an Exchange handle in
// place of a raw exchange name, per SPEC_FULL.md §3.5's supplement.
func (q *Queue) BindExchange(ex *Exchange, key string) error { return q.Bind(ex.name, key) }

// Unbind sends Queue.Unbind, per spec.md §4.5's unbind row.
func (q *Queue) Unbind(exchange, key string) error {
	q.channel.conn.post(func() {
		args := queueUnbindArgs{Queue: q.name, Exchange: exchange, RoutingKey: key}
		payload, err := args.encode()
		if err != nil {
			q.emitError(wrapError(KindFrameFormat, err, "encoding Queue.Unbind"))
			return
		}
		err = q.channel.deferOrSend(func() error {
			q.channel.pushPending(pendingRequest{
				kind: reqUnbind,
				complete: func(Frame) error {
					q.sink.emit(Event{Kind: EventUnbound})
					return nil
				},
				fail: q.emitError,
			})
			return q.channel.sendMethod(classQueue, methodQueueUnbind, payload)
		})
		if err != nil {
			q.emitError(wrapError(KindInvalidState, err, "sending Queue.Unbind"))
		}
	})
	return nil
}

// UnbindExchange mirrors BindExchange for Unbind.
func (q *Queue) UnbindExchange(ex *Exchange, key string) error { return q.Unbind(ex.name, key) }

// Purge sends Queue.Purge, per spec.md §4.5's purge row.
func (q *Queue) Purge() error {
	q.channel.conn.post(func() {
		args := queuePurgeArgs{Queue: q.name}
		payload, err := args.encode()
		if err != nil {
			q.emitError(wrapError(KindFrameFormat, err, "encoding Queue.Purge"))
			return
		}
		err = q.channel.deferOrSend(func() error {
			q.channel.pushPending(pendingRequest{
				kind: reqPurge,
				complete: func(fr Frame) error {
					n, err := decodeMessageCount(fr.Args)
					if err != nil {
						return err
					}
					q.sink.emit(Event{Kind: EventPurged, Count: n})
					return nil
				},
				fail: q.emitError,
			})
			return q.channel.sendMethod(classQueue, methodQueuePurge, payload)
		})
		if err != nil {
			q.emitError(wrapError(KindInvalidState, err, "sending Queue.Purge"))
		}
	})
	return nil
}

// Remove sends Queue.Delete, per spec.md §4.5's remove row.
func (q *Queue) Remove(opts RemoveOption) error {
	q.channel.conn.post(func() {
		args := queueDeleteArgs{
			Queue:    q.name,
			IfUnused: opts.has(RemoveIfUnused),
			IfEmpty:  opts.has(RemoveIfEmpty),
			NoWait:   opts.has(RemoveNoWait),
		}
		payload, err := args.encode()
		if err != nil {
			q.emitError(wrapError(KindFrameFormat, err, "encoding Queue.Delete"))
			return
		}
		err = q.channel.deferOrSend(func() error {
			q.channel.pushPending(pendingRequest{
				kind: reqDelete,
				complete: func(fr Frame) error {
					n, err := decodeMessageCount(fr.Args)
					if err != nil {
						return err
					}
					q.declared = false
					q.sink.emit(Event{Kind: EventRemoved, Count: n})
					return nil
				},
				fail: q.emitError,
			})
			return q.channel.sendMethod(classQueue, methodQueueDelete, payload)
		})
		if err != nil {
			q.emitError(wrapError(KindInvalidState, err, "sending Queue.Delete"))
		}
	})
	return nil
}

// Consume sends Basic.Consume, per spec.md §4.5's consume row. It returns
// false without touching protocol state if the queue is already
// consuming — the idempotent-fail case the spec calls for. An empty tag
// is replaced with a client-generated uuid. The already-consuming check
// and the state mutation both happen on Conn's mux goroutine, so this
// blocks briefly on a result channel rather than racing q.consuming.
func (q *Queue) Consume(tag string, opts ConsumeOption) (bool, error) {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	q.channel.conn.post(func() {
		if q.consuming {
			done <- result{ok: false}
			return
		}
		t := tag
		if t == "" {
			t = uuid.New().String()
		}
		noAck := opts.has(ConsumeNoAck)
		args := basicConsumeArgs{
			Queue:       q.name,
			ConsumerTag: t,
			NoLocal:     opts.has(ConsumeNoLocal),
			NoAck:       noAck,
			Exclusive:   opts.has(ConsumeExclusive),
			NoWait:      opts.has(ConsumeNoWait),
		}
		payload, err := args.encode()
		if err != nil {
			done <- result{err: wrapError(KindFrameFormat, err, "encoding Basic.Consume")}
			return
		}
		q.consuming = true
		q.consumerTag = t
		q.noAck = noAck
		err = q.channel.deferOrSend(func() error {
			q.channel.pushPending(pendingRequest{
				kind: reqConsume,
				complete: func(fr Frame) error {
					got, err := decodeConsumerTag(fr.Args)
					if err != nil {
						return err
					}
					q.consumerTag = got
					q.sink.emit(Event{Kind: EventConsuming, Tag: got})
					return nil
				},
				fail: func(e *Error) {
					q.consuming = false
					q.consumerTag = ""
					q.emitError(e)
				},
			})
			return q.channel.sendMethod(classBasic, methodBasicConsume, payload)
		})
		if err != nil {
			q.consuming = false
			q.consumerTag = ""
			done <- result{err: err}
			return
		}
		done <- result{ok: true}
	})
	r := <-done
	return r.ok, r.err
}

// Cancel sends Basic.Cancel, per spec.md §4.5's cancel row. Returns false
// if not currently consuming, without sending anything.
func (q *Queue) Cancel() (bool, error) {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	q.channel.conn.post(func() {
		if !q.consuming || q.consumerTag == "" {
			done <- result{ok: false}
			return
		}
		tag := q.consumerTag
		args := basicCancelArgs{ConsumerTag: tag}
		payload, err := args.encode()
		if err != nil {
			done <- result{err: wrapError(KindFrameFormat, err, "encoding Basic.Cancel")}
			return
		}
		err = q.channel.deferOrSend(func() error {
			q.channel.pushPending(pendingRequest{
				kind: reqCancel,
				complete: func(Frame) error {
					q.consuming = false
					q.consumerTag = ""
					q.sink.emit(Event{Kind: EventCancelled, Tag: tag})
					return nil
				},
				fail: q.emitError,
			})
			return q.channel.sendMethod(classBasic, methodBasicCancel, payload)
		})
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{ok: true}
	})
	r := <-done
	return r.ok, r.err
}

// Get sends Basic.Get, per spec.md §4.5's get row. Completion arrives as
// either a delivery (messageReceived once fully reassembled) or an empty
// event.
func (q *Queue) Get(noAck bool) error {
	q.channel.conn.post(func() {
		args := basicGetArgs{Queue: q.name, NoAck: noAck}
		payload, err := args.encode()
		if err != nil {
			q.emitError(wrapError(KindFrameFormat, err, "encoding Basic.Get"))
			return
		}
		err = q.channel.deferOrSend(func() error {
			q.channel.pushPending(pendingRequest{
				kind: reqGet,
				complete: func(fr Frame) error {
					if fr.MethodID == methodBasicGetEmpty {
						q.sink.emit(Event{Kind: EventEmpty})
						return nil
					}
					hdr, err := decodeGetOk(fr.Args)
					if err != nil {
						return err
					}
					q.channel.beginDelivery(&Message{
						DeliveryTag: hdr.DeliveryTag,
						Exchange:    hdr.Exchange,
						RoutingKey:  hdr.RoutingKey,
						Redelivered: hdr.Redelivered,
					})
					return nil
				},
				fail: q.emitError,
			})
			return q.channel.sendMethod(classBasic, methodBasicGet, payload)
		})
		if err != nil {
			q.emitError(wrapError(KindInvalidState, err, "sending Basic.Get"))
		}
	})
	return nil
}

// Ack sends Basic.Ack for msg with multiple=false, per spec.md §4.5's ack
// row. A no-op when the queue is consuming with no_ack, since the broker
// never expects acks on that subscription. Like every other queue
// operation, the no_ack check itself runs on Conn's mux goroutine rather
// than the caller's, since q.noAck is set by Consume on that goroutine.
func (q *Queue) Ack(msg *Message) error {
	deliveryTag := msg.DeliveryTag
	q.channel.conn.post(func() {
		if q.noAck {
			return
		}
		payload := basicAckArgs{DeliveryTag: deliveryTag, Multiple: false}.encode()
		if err := q.channel.sendMethod(classBasic, methodBasicAck, payload); err != nil {
			q.emitError(wrapError(KindInvalidState, err, "sending Basic.Ack"))
		}
	})
	return nil
}

// NextMessage pops the oldest complete message, per spec.md §6. Like
// every other queue-state access, it is marshalled onto Conn's mux
// goroutine to stay race-free with delivery reassembly.
func (q *Queue) NextMessage() *Message {
	done := make(chan *Message, 1)
	q.channel.conn.post(func() { done <- q.channel.nextMessage() })
	return <-done
}

// HasCompleteMessage reports whether NextMessage would return non-nil,
// per spec.md §6.
func (q *Queue) HasCompleteMessage() bool {
	done := make(chan bool, 1)
	q.channel.conn.post(func() { done <- q.channel.hasCompleteMessage() })
	return <-done
}

// resetOnClose clears declared/consuming/consumerTag when the channel
// underneath this queue goes away — connection loss as well as a
// peer-initiated Channel.Close — per spec.md §3's invariant that
// declared is true only between a successful Declare-Ok and any
// Delete-Ok, connection loss, or peer-initiated cancel. This runs
// unconditionally, independent of whatever pending request (if any) was
// in flight at the time, since the queue can be declared and idle with
// nothing pending when the connection drops.
func (q *Queue) resetOnClose() {
	q.declared = false
	q.consuming = false
	q.consumerTag = ""
}

// deliveryCompleted is invoked by Channel once a reassembled message's
// remaining byte count reaches zero, per spec.md §4.5's delivery path
// step 4. It also serves as the home for the Open Question correction on
// EventConsuming: Basic.Consume-Ok handling above never touches
// q.declared, unlike the original qamqp's Consume-Ok handler.
func (q *Queue) deliveryCompleted(msg *Message) {
	_ = msg
	q.sink.emit(Event{Kind: EventMessageReceived})
}

// handleDeliver implements the consumer-tag match described in spec.md
// §4.5: a delivery whose tag doesn't match the queue's active consumer
// tag belongs to another handle sharing this channel and is dropped.
func (q *Queue) handleDeliver(fr Frame) {
	hdr, err := decodeDeliver(fr.Args)
	if err != nil {
		q.channel.conn.logger.Error("decoding Basic.Deliver", "err", err)
		return
	}
	if hdr.ConsumerTag != q.consumerTag {
		q.channel.conn.logger.Debug("dropping delivery for foreign consumer tag", "tag", hdr.ConsumerTag)
		return
	}
	q.channel.beginDelivery(&Message{
		DeliveryTag: hdr.DeliveryTag,
		Exchange:    hdr.Exchange,
		RoutingKey:  hdr.RoutingKey,
		Redelivered: hdr.Redelivered,
		consumerTag: hdr.ConsumerTag,
	})
}
