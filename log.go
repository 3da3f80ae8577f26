package qamqp

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the diagnostic logging seam the core writes to. Logging itself
// is an external collaborator per spec.md §1; this interface is how the
// core stays decoupled from any particular backend, grounded on
// aleybovich-carrot-mq's logger.Logger.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

// NopLogger discards everything. Mirrors carrot-mq's NilLogger.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// zerologLogger adapts zerolog.Logger to Logger. Grounded on
// peake100-rogerRabbit-go's channel.go, which carries a zerolog.Logger
// field on its Channel type for the same purpose: diagnostic logging of
// frame-level and reconnect events.
type zerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger returns a Logger backed by zerolog, writing to standard
// error in zerolog's console-friendly format.
func NewZerologLogger() Logger {
	return zerologLogger{log: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()}
}

func (l zerologLogger) Debug(msg string, kv ...interface{}) { logWithFields(l.log.Debug(), msg, kv) }
func (l zerologLogger) Warn(msg string, kv ...interface{})  { logWithFields(l.log.Warn(), msg, kv) }
func (l zerologLogger) Error(msg string, kv ...interface{}) { logWithFields(l.log.Error(), msg, kv) }

func logWithFields(ev *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
