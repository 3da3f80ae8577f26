package qamqp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the errors the core can surface, per spec.md §7.
type Kind int

const (
	// KindUnknown is the zero value; produced only by Conn.Shutdown when
	// the caller passes an error that is not an *Error.
	KindUnknown Kind = iota
	// KindFrameFormat indicates malformed bytes, an unknown tag, or a
	// missing 0xCE end marker. Fatal to the connection.
	KindFrameFormat
	// KindFrameTooLarge indicates a payload exceeding the negotiated
	// frame_max. Fatal to the connection.
	KindFrameTooLarge
	// KindHeartbeatTimeout indicates no frames were seen for two
	// heartbeat intervals. Fatal to the connection.
	KindHeartbeatTimeout
	// KindChannelClosed indicates a peer-initiated Channel.Close.
	KindChannelClosed
	// KindChannelUnknown indicates a frame addressed to a channel id the
	// Multiplexer has no record of. Fatal to the connection.
	KindChannelUnknown
	// KindAccessRefused is reply-code 403.
	KindAccessRefused
	// KindNotFound is reply-code 404.
	KindNotFound
	// KindResourceLocked is reply-code 405.
	KindResourceLocked
	// KindPreconditionFailed is reply-code 406.
	KindPreconditionFailed
	// KindInvalidState is the kind for local misuse. Cancel when not
	// consuming and Consume when already consuming report that as a plain
	// false return, with no Error. Queue and Channel also use this Kind
	// for a method that could not be written to the connection; those
	// errors arrive on the event surface.
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindFrameFormat:
		return "FrameFormatError"
	case KindFrameTooLarge:
		return "FrameTooLargeError"
	case KindHeartbeatTimeout:
		return "HeartbeatTimeout"
	case KindChannelClosed:
		return "ChannelClosed"
	case KindChannelUnknown:
		return "ChannelUnknownError"
	case KindAccessRefused:
		return "AccessRefused"
	case KindNotFound:
		return "NotFound"
	case KindResourceLocked:
		return "ResourceLocked"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindInvalidState:
		return "InvalidState"
	default:
		return "UnknownError"
	}
}

// Error is the error type carried on the event surface and returned from
// synchronous calls. ReplyCode/ReplyText are populated for protocol-level
// soft errors carried by Channel.Close; both are zero for local errors.
type Error struct {
	Kind       Kind
	ReplyCode  uint16
	ReplyText  string
	cause      error
}

func (e *Error) Error() string {
	if e.ReplyCode != 0 {
		return fmt.Sprintf("qamqp: %s (%d): %s", e.Kind, e.ReplyCode, e.ReplyText)
	}
	if e.cause != nil {
		return fmt.Sprintf("qamqp: %s: %s", e.Kind, e.cause)
	}
	return fmt.Sprintf("qamqp: %s", e.Kind)
}

// Cause lets errors.Cause (github.com/pkg/errors) unwrap to the underlying
// I/O or parse error, if any.
func (e *Error) Cause() error { return e.cause }

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

func wrapError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Wrapf(cause, format, args...)}
}

// replyError builds the Error surfaced from a Channel.Close carrying a
// protocol-level reply code, classifying 403/404/405/406 per spec.md §7.
func replyError(code uint16, text string) *Error {
	return &Error{Kind: classifyReplyCode(code), ReplyCode: code, ReplyText: text}
}

// classifyReplyCode maps an AMQP 0-9-1 reply code to a Kind. Codes with no
// dedicated Kind classify as KindChannelClosed, matching spec.md §7's
// treatment of Channel.Close as the generic carrier.
//
// Reply codes grounded on streadway/amqp's spec091.go constant block.
func classifyReplyCode(code uint16) Kind {
	switch code {
	case 403:
		return KindAccessRefused
	case 404:
		return KindNotFound
	case 405:
		return KindResourceLocked
	case 406:
		return KindPreconditionFailed
	default:
		return KindChannelClosed
	}
}
