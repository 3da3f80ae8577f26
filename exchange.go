package qamqp

import "bytes"

// ExchangeOption is the declare-time bitfield for Exchange.Declare,
// mirroring QueueOption's shape.
type ExchangeOption uint8

const (
	ExchangeOptPassive ExchangeOption = 1 << iota
	ExchangeOptDurable
	ExchangeOptAutoDelete
	ExchangeOptInternal
	ExchangeOptNoWait
)

func (o ExchangeOption) has(f ExchangeOption) bool { return o&f != 0 }

// Exchange is a minimal handle for the exchange-declare surface a Queue
// needs for binding, per SPEC_FULL.md §3.6. It deliberately does not
// cover exchange-to-exchange binding or alternate-exchange arguments —
// out of scope per spec.md §1's "full exchange-declare semantics" Non-goal.
type Exchange struct {
	name     string
	kind     string
	declared bool

	channel *Channel
}

// NewExchange allocates a fresh channel for the exchange handle, the same
// way NewQueue does for queues.
func NewExchange(conn *Conn, name, kind string) (*Exchange, error) {
	ch, err := conn.openChannel()
	if err != nil {
		return nil, err
	}
	return &Exchange{name: name, kind: kind, channel: ch}, nil
}

func (e *Exchange) Name() string   { return e.name }
func (e *Exchange) Declared() bool { return e.declared }

type exchangeDeclareArgs struct {
	Exchange   string
	Kind       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
}

func (a exchangeDeclareArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1
	if err := writeShortString(&buf, a.Exchange); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, a.Kind); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.Passive)
	bits.PutBit(a.Durable)
	bits.PutBit(a.AutoDelete)
	bits.PutBit(a.Internal)
	bits.PutBit(a.NoWait)
	buf.Write(bits.Bytes())
	if err := EncodeFieldTable(&buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type exchangeDeleteArgs struct {
	Exchange string
	IfUnused bool
	NoWait   bool
}

func (a exchangeDeleteArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1
	if err := writeShortString(&buf, a.Exchange); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.IfUnused)
	bits.PutBit(a.NoWait)
	buf.Write(bits.Bytes())
	return buf.Bytes(), nil
}

const (
	methodExchangeDeclare   uint16 = 10
	methodExchangeDeclareOk uint16 = 11
	methodExchangeDelete    uint16 = 20
	methodExchangeDeleteOk  uint16 = 21
)

// Declare sends Exchange.Declare and returns without waiting for the
// reply; Declared reports true once Exchange.Declare-Ok arrives (or right
// after sending, with ExchangeOptNoWait). Like Queue's operations, the
// body runs on Conn's mux goroutine.
func (e *Exchange) Declare(opts ExchangeOption) error {
	e.channel.conn.post(func() {
		args := exchangeDeclareArgs{
			Exchange:   e.name,
			Kind:       e.kind,
			Passive:    opts.has(ExchangeOptPassive),
			Durable:    opts.has(ExchangeOptDurable),
			AutoDelete: opts.has(ExchangeOptAutoDelete),
			Internal:   opts.has(ExchangeOptInternal),
			NoWait:     opts.has(ExchangeOptNoWait),
		}
		payload, err := args.encode()
		if err != nil {
			e.channel.conn.logger.Error("encoding Exchange.Declare", "err", err)
			return
		}
		noWait := opts.has(ExchangeOptNoWait)
		err = e.channel.deferOrSend(func() error {
			if !noWait {
				e.channel.pushPending(pendingRequest{
					kind: reqDeclare,
					complete: func(Frame) error {
						e.declared = true
						return nil
					},
					fail: func(*Error) { e.declared = false },
				})
			}
			if err := e.channel.sendMethod(classExchange, methodExchangeDeclare, payload); err != nil {
				return err
			}
			if noWait {
				e.declared = true
			}
			return nil
		})
		if err != nil {
			e.channel.conn.logger.Error("sending Exchange.Declare", "err", err)
		}
	})
	return nil
}

// Delete sends Exchange.Delete and returns without waiting for the reply;
// Declared reports false once Exchange.Delete-Ok arrives.
func (e *Exchange) Delete(ifUnused bool) error {
	e.channel.conn.post(func() {
		args := exchangeDeleteArgs{Exchange: e.name, IfUnused: ifUnused}
		payload, err := args.encode()
		if err != nil {
			e.channel.conn.logger.Error("encoding Exchange.Delete", "err", err)
			return
		}
		err = e.channel.deferOrSend(func() error {
			e.channel.pushPending(pendingRequest{
				kind: reqDelete,
				complete: func(Frame) error {
					e.declared = false
					return nil
				},
			})
			return e.channel.sendMethod(classExchange, methodExchangeDelete, payload)
		})
		if err != nil {
			e.channel.conn.logger.Error("sending Exchange.Delete", "err", err)
		}
	})
	return nil
}
