package qamqp

// Frame types, per spec.md §6.
const (
	FrameMethod    byte = 1
	FrameHeader    byte = 2
	FrameBody      byte = 3
	FrameHeartbeat byte = 8
)

// frameEnd is the mandatory trailing sentinel of every frame on the wire.
// Its absence is a fatal FrameFormatError (spec.md §3).
const frameEnd byte = 0xCE

// Class ids used by the core (spec.md §6).
const (
	classConnection uint16 = 10
	classChannel    uint16 = 20
	classExchange   uint16 = 40
	classQueue      uint16 = 50
	classBasic      uint16 = 60
)

// Method ids used by the core (spec.md §6).
const (
	methodQueueDeclare   uint16 = 10
	methodQueueDeclareOk uint16 = 11
	methodQueueBind      uint16 = 20
	methodQueueBindOk    uint16 = 21
	methodQueuePurge     uint16 = 30
	methodQueuePurgeOk   uint16 = 31
	methodQueueDelete    uint16 = 40
	methodQueueDeleteOk  uint16 = 41
	methodQueueUnbind    uint16 = 50
	methodQueueUnbindOk  uint16 = 51

	methodBasicConsume   uint16 = 20
	methodBasicConsumeOk uint16 = 21
	methodBasicCancel    uint16 = 30
	methodBasicCancelOk  uint16 = 31
	methodBasicDeliver   uint16 = 60
	methodBasicGet       uint16 = 70
	methodBasicGetOk     uint16 = 71
	methodBasicGetEmpty  uint16 = 72
	methodBasicAck       uint16 = 80

	methodChannelOpen    uint16 = 10
	methodChannelOpenOk  uint16 = 11
	methodChannelClose   uint16 = 40
	methodChannelCloseOk uint16 = 41

	methodConnectionStart   uint16 = 10
	methodConnectionStartOk uint16 = 11
	methodConnectionTune    uint16 = 30
	methodConnectionTuneOk  uint16 = 31
	methodConnectionOpen    uint16 = 40
	methodConnectionOpenOk  uint16 = 41
)

// Frame is the tagged union described in spec.md §3. Exactly one of the
// Method/ContentHeader/ContentBody fields is meaningful, selected by Type.
type Frame struct {
	Type    byte
	Channel uint16

	// Method frame fields.
	ClassID  uint16
	MethodID uint16
	Args     []byte

	// ContentHeader frame fields.
	BodySize      uint64
	PropertyFlags uint16
	Properties    PropertyMap

	// ContentBody frame field.
	Body []byte
}

// PropertyMap is the decoded basic content-properties table carried on a
// ContentHeader frame (spec.md §3's Message.properties).
type PropertyMap map[string]FieldValue
