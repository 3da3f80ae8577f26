package qamqp

import "bytes"

// Argument encoders/decoders for the Queue (50) and Basic (60) methods the
// core speaks, per spec.md §6. Field layout (reserved short, short-string
// name, bit-packed flag octet, field table) is grounded on streadway/amqp's
// spec091.go WriteTo methods (QueueDeclare, QueueBind, BasicConsume, ...)
// and confirmed against the original qamqp's amqp_queue.cpp, which builds
// the identical byte sequence by hand with QDataStream.

// --- Queue.Declare / Queue.Declare-Ok ---

type queueDeclareArgs struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  FieldTable
}

func (a queueDeclareArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1 (deprecated ticket)
	if err := writeShortString(&buf, a.Queue); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.Passive)
	bits.PutBit(a.Durable)
	bits.PutBit(a.Exclusive)
	bits.PutBit(a.AutoDelete)
	bits.PutBit(a.NoWait)
	buf.Write(bits.Bytes())
	if err := EncodeFieldTable(&buf, a.Arguments); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type queueDeclareOkArgs struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func decodeQueueDeclareOk(payload []byte) (queueDeclareOkArgs, error) {
	r := bytes.NewReader(payload)
	name, err := readShortString(r)
	if err != nil {
		return queueDeclareOkArgs{}, err
	}
	msgCount, err := readUint(r, 4)
	if err != nil {
		return queueDeclareOkArgs{}, err
	}
	consumerCount, err := readUint(r, 4)
	if err != nil {
		return queueDeclareOkArgs{}, err
	}
	return queueDeclareOkArgs{Queue: name, MessageCount: uint32(msgCount), ConsumerCount: uint32(consumerCount)}, nil
}

// --- Queue.Bind / Queue.Bind-Ok ---

type queueBindArgs struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  FieldTable
}

func (a queueBindArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1
	if err := writeShortString(&buf, a.Queue); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, a.Exchange); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, a.RoutingKey); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.NoWait)
	buf.Write(bits.Bytes())
	if err := EncodeFieldTable(&buf, a.Arguments); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- Queue.Unbind ---

type queueUnbindArgs struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  FieldTable
}

func (a queueUnbindArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1
	if err := writeShortString(&buf, a.Queue); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, a.Exchange); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, a.RoutingKey); err != nil {
		return nil, err
	}
	if err := EncodeFieldTable(&buf, a.Arguments); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- Queue.Purge / Queue.Purge-Ok ---

type queuePurgeArgs struct {
	Queue  string
	NoWait bool
}

func (a queuePurgeArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1
	if err := writeShortString(&buf, a.Queue); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.NoWait)
	buf.Write(bits.Bytes())
	return buf.Bytes(), nil
}

func decodeMessageCount(payload []byte) (uint32, error) {
	r := bytes.NewReader(payload)
	n, err := readUint(r, 4)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// --- Queue.Delete / Queue.Delete-Ok ---

type queueDeleteArgs struct {
	Queue    string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

func (a queueDeleteArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1
	if err := writeShortString(&buf, a.Queue); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.IfUnused)
	bits.PutBit(a.IfEmpty)
	bits.PutBit(a.NoWait)
	buf.Write(bits.Bytes())
	return buf.Bytes(), nil
}

// --- Basic.Consume / Basic.Consume-Ok ---

type basicConsumeArgs struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   FieldTable
}

func (a basicConsumeArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1
	if err := writeShortString(&buf, a.Queue); err != nil {
		return nil, err
	}
	if err := writeShortString(&buf, a.ConsumerTag); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.NoLocal)
	bits.PutBit(a.NoAck)
	bits.PutBit(a.Exclusive)
	bits.PutBit(a.NoWait)
	buf.Write(bits.Bytes())
	if err := EncodeFieldTable(&buf, a.Arguments); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeConsumerTag(payload []byte) (string, error) {
	r := bytes.NewReader(payload)
	return readShortString(r)
}

// --- Basic.Cancel / Basic.Cancel-Ok ---

type basicCancelArgs struct {
	ConsumerTag string
	NoWait      bool
}

func (a basicCancelArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeShortString(&buf, a.ConsumerTag); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.NoWait)
	buf.Write(bits.Bytes())
	return buf.Bytes(), nil
}

// --- Basic.Get / Basic.Get-Ok ---

type basicGetArgs struct {
	Queue  string
	NoAck  bool
}

func (a basicGetArgs) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeUint(&buf, 2, 0) // reserved-1
	if err := writeShortString(&buf, a.Queue); err != nil {
		return nil, err
	}
	var bits BitWriter
	bits.PutBit(a.NoAck)
	buf.Write(bits.Bytes())
	return buf.Bytes(), nil
}

type deliveryHeader struct {
	ConsumerTag string // empty for Basic.Get-Ok
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	MessageCount uint32 // only set by Basic.Get-Ok
}

// decodeDeliver parses Basic.Deliver's argument layout: consumer-tag,
// delivery-tag, redelivered, exchange, routing-key.
func decodeDeliver(payload []byte) (deliveryHeader, error) {
	r := bytes.NewReader(payload)
	tag, err := readShortString(r)
	if err != nil {
		return deliveryHeader{}, err
	}
	dtag, err := readUint(r, 8)
	if err != nil {
		return deliveryHeader{}, err
	}
	flagByte, err := r.ReadByte()
	if err != nil {
		return deliveryHeader{}, wrapError(KindFrameFormat, err, "reading redelivered flag")
	}
	bits := NewBitReader(flagByte)
	redelivered := bits.Bit()
	exchange, err := readShortString(r)
	if err != nil {
		return deliveryHeader{}, err
	}
	routingKey, err := readShortString(r)
	if err != nil {
		return deliveryHeader{}, err
	}
	return deliveryHeader{
		ConsumerTag: tag,
		DeliveryTag: dtag,
		Redelivered: redelivered,
		Exchange:    exchange,
		RoutingKey:  routingKey,
	}, nil
}

// decodeGetOk parses Basic.Get-Ok's argument layout: delivery-tag,
// redelivered, exchange, routing-key, message-count.
func decodeGetOk(payload []byte) (deliveryHeader, error) {
	r := bytes.NewReader(payload)
	dtag, err := readUint(r, 8)
	if err != nil {
		return deliveryHeader{}, err
	}
	flagByte, err := r.ReadByte()
	if err != nil {
		return deliveryHeader{}, wrapError(KindFrameFormat, err, "reading redelivered flag")
	}
	bits := NewBitReader(flagByte)
	redelivered := bits.Bit()
	exchange, err := readShortString(r)
	if err != nil {
		return deliveryHeader{}, err
	}
	routingKey, err := readShortString(r)
	if err != nil {
		return deliveryHeader{}, err
	}
	msgCount, err := readUint(r, 4)
	if err != nil {
		return deliveryHeader{}, err
	}
	return deliveryHeader{
		DeliveryTag:  dtag,
		Redelivered:  redelivered,
		Exchange:     exchange,
		RoutingKey:   routingKey,
		MessageCount: uint32(msgCount),
	}, nil
}

// --- Basic.Ack ---

type basicAckArgs struct {
	DeliveryTag uint64
	Multiple    bool
}

// encode packs Multiple as a bit in the argument octet, per AMQP 0-9-1 and
// per spec.md §9's Open Question: the original qamqp writes
// `out << qint8(0)` for this flag, a standalone octet instead of a bit —
// that bug is not reproduced here.
func (a basicAckArgs) encode() []byte {
	var buf bytes.Buffer
	writeUint(&buf, 8, a.DeliveryTag)
	var bits BitWriter
	bits.PutBit(a.Multiple)
	buf.Write(bits.Bytes())
	return buf.Bytes()
}

// --- Channel.Open / Channel.Open-Ok / Channel.Close / Channel.Close-Ok ---

func encodeChannelOpen() []byte {
	var buf bytes.Buffer
	writeShortString(&buf, "") // out-of-band, reserved
	return buf.Bytes()
}

type channelCloseArgs struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func decodeChannelClose(payload []byte) (channelCloseArgs, error) {
	r := bytes.NewReader(payload)
	code, err := readUint(r, 2)
	if err != nil {
		return channelCloseArgs{}, err
	}
	text, err := readShortString(r)
	if err != nil {
		return channelCloseArgs{}, err
	}
	classID, err := readUint(r, 2)
	if err != nil {
		return channelCloseArgs{}, err
	}
	methodID, err := readUint(r, 2)
	if err != nil {
		return channelCloseArgs{}, err
	}
	return channelCloseArgs{
		ReplyCode: uint16(code),
		ReplyText: text,
		ClassID:   uint16(classID),
		MethodID:  uint16(methodID),
	}, nil
}

func encodeChannelClose(a channelCloseArgs) []byte {
	var buf bytes.Buffer
	writeUint(&buf, 2, uint64(a.ReplyCode))
	writeShortString(&buf, a.ReplyText)
	writeUint(&buf, 2, uint64(a.ClassID))
	writeUint(&buf, 2, uint64(a.MethodID))
	return buf.Bytes()
}
