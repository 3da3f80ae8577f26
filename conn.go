package qamqp

import (
	"context"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// defaultFrameMax and defaultHeartbeat are used until a handshake
// negotiates different values; 131072 matches RabbitMQ's own default.
const (
	defaultFrameMax   uint32 = 131072
	defaultHeartbeat         = 60 * time.Second
)

// ConnOption configures a Conn at construction time, grounded on
// vcabbage-amqp's Opt/ConnOption functional-options pattern.
type ConnOption func(*Conn)

// OptFrameMax overrides the negotiated maximum frame size.
func OptFrameMax(max uint32) ConnOption {
	return func(c *Conn) { c.frameMax = max }
}

// OptHeartbeat overrides the heartbeat interval. Zero disables
// heartbeats entirely.
func OptHeartbeat(d time.Duration) ConnOption {
	return func(c *Conn) { c.heartbeat = d }
}

// OptHostname records the virtual host the connection was opened with;
// Handshake sets it from HandshakeOptions.VHost after Connection.Open has
// already been sent. Conn itself does not read the value.
func OptHostname(h string) ConnOption {
	return func(c *Conn) { c.hostname = h }
}

// OptLogger overrides the default NopLogger.
func OptLogger(l Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

type openResult struct {
	ch  *Channel
	err error
}

// Conn is the Connection Multiplexer of spec.md §4.3: it owns the socket
// and the frame reader/writer, demultiplexes inbound frames by channel
// id, and is the single execution context every channel and queue's
// state is touched from (spec.md §5). Grounded on vcabbage-amqp's
// Conn.startMux / Client's conn.mux select loop, generalized from AMQP
// 1.0's session allocation to 0-9-1's Channel.Open/id allocation.
type Conn struct {
	netConn net.Conn
	fr      *FrameReader
	fw      *FrameWriter
	logger  Logger

	frameMax  uint32
	heartbeat time.Duration
	hostname  string

	channels      map[uint16]*Channel
	nextChannelID uint16

	rxFrame chan Frame
	rxErr   chan error
	ops     chan func()
	closed  chan struct{}

	limiter *rate.Limiter

	shutdownErr *Error
}

// NewConn wraps netConn and starts the reader and mux goroutines. The
// caller is expected to have already completed the connection handshake
// (see handshake.go) and to pass the negotiated frame_max/heartbeat via
// OptFrameMax/OptHeartbeat.
func NewConn(netConn net.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		netConn:       netConn,
		logger:        NopLogger{},
		frameMax:      defaultFrameMax,
		heartbeat:     defaultHeartbeat,
		channels:      make(map[uint16]*Channel),
		nextChannelID: 1,
		rxFrame:       make(chan Frame),
		rxErr:         make(chan error, 1),
		ops:           make(chan func()),
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fr = NewFrameReader(netConn, c.frameMax)
	c.fw = NewFrameWriter(netConn)
	// Every outbound frame goes through sendFrame, which waits on this
	// limiter first; one token per tenth of a heartbeat interval, bursting
	// up to 64. Heartbeats alone never come close to exhausting the burst,
	// so in practice this only ever throttles a caller flushing a large
	// batch of replayed Queue/Exchange ops at once in Channel.onOpened.
	interval := c.heartbeat / 10
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	c.limiter = rate.NewLimiter(rate.Every(interval), 64)

	go c.connReader()
	go c.run()
	return c
}

// connReader feeds decoded frames to the mux goroutine over rxFrame,
// grounded on vcabbage-amqp's conn.go connReader, which isolates
// blocking reads in their own goroutine so the mux select loop never
// blocks on socket I/O directly.
func (c *Conn) connReader() {
	for {
		fr, err := c.fr.ReadFrame()
		if err != nil {
			select {
			case c.rxErr <- err:
			case <-c.closed:
			}
			return
		}
		select {
		case c.rxFrame <- fr:
		case <-c.closed:
			return
		}
	}
}

// post schedules fn to run on the mux goroutine and returns as soon as the
// mux has taken fn (ops is unbuffered), without waiting for fn to run,
// realizing spec.md §5's "user calls that originate elsewhere must be
// posted to it." fn may safely touch any Channel/Queue/Exchange state
// and call Conn.sendFrame directly, since it runs on the one execution
// context that owns all of it.
func (c *Conn) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.closed:
	}
}

// sendFrame waits for the send limiter's token, then writes fr directly
// to the socket. Callable only from the mux goroutine — i.e. from within
// a run() case or a closure passed to post — never from an arbitrary
// caller goroutine, since the whole point of the cooperative
// single-threaded model (spec.md §5) is that no further synchronization
// is needed once execution is on that goroutine. Routing every send
// through the limiter here, rather than just the heartbeat branch, is
// what makes it capable of actually blocking: a handful of frames never
// touches it, but a Channel.onOpened replay flushing a long backlog of
// deferred Declare/Bind/Consume calls in one go can burn through the
// burst and wait for more tokens.
func (c *Conn) sendFrame(fr Frame) error {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return c.fw.WriteFrame(fr)
}

// openChannel allocates a new Channel, sends Channel.Open, and returns
// once the request has been posted and the id reserved. It blocks the
// calling goroutine (not the mux) until the mux goroutine has run the
// allocation, which is safe since the two are always distinct goroutines.
func (c *Conn) openChannel() (*Channel, error) {
	result := make(chan openResult, 1)
	c.post(func() {
		id := c.nextChannelID
		c.nextChannelID++
		ch := newChannel(c, id)
		c.channels[id] = ch
		if err := c.sendFrame(Frame{
			Type:     FrameMethod,
			Channel:  id,
			ClassID:  classChannel,
			MethodID: methodChannelOpen,
			Args:     encodeChannelOpen(),
		}); err != nil {
			delete(c.channels, id)
			result <- openResult{err: wrapError(KindFrameFormat, err, "sending Channel.Open")}
			return
		}
		result <- openResult{ch: ch}
	})
	r := <-result
	return r.ch, r.err
}

// run is the single dispatch goroutine: every channel/queue mutation in
// this module happens while executing inside this select loop, either
// directly (the rxFrame case) or via a closure handed to post (the ops
// case). Grounded on vcabbage-amqp's Conn.startMux / Client's conn.mux.
func (c *Conn) run() {
	var heartbeatTicker *time.Ticker
	var heartbeatC <-chan time.Time
	if c.heartbeat > 0 {
		heartbeatTicker = time.NewTicker(c.heartbeat)
		defer heartbeatTicker.Stop()
		heartbeatC = heartbeatTicker.C
	}
	missed := 0

	for {
		select {
		case fr := <-c.rxFrame:
			missed = 0
			c.dispatch(fr)

		case err := <-c.rxErr:
			// ReadFrame already classifies its own errors (e.g.
			// KindFrameTooLarge); keep that Kind rather than re-wrapping.
			e, ok := err.(*Error)
			if !ok {
				e = wrapError(KindFrameFormat, err, "reading from connection")
			}
			c.shutdown(e)
			return

		case fn := <-c.ops:
			fn()

		case <-heartbeatC:
			missed++
			if missed >= 2 {
				c.shutdown(newError(KindHeartbeatTimeout, "no frames for %d heartbeat intervals", missed))
				return
			}
			c.sendFrame(Frame{Type: FrameHeartbeat})

		case <-c.closed:
			return
		}
	}
}

// dispatch routes one inbound frame by channel id, per spec.md §4.3.
func (c *Conn) dispatch(fr Frame) {
	if fr.Channel == 0 {
		if fr.Type == FrameHeartbeat {
			c.logger.Debug("heartbeat received")
			return
		}
		c.logger.Debug("dropping connection-level frame", "type", fr.Type)
		return
	}
	ch, ok := c.channels[fr.Channel]
	if !ok {
		c.shutdown(newError(KindChannelUnknown, "frame for unknown channel %d", fr.Channel))
		return
	}
	ch.handleFrame(fr)
}

// closeWithError is Channel's entry point for reporting a fatal framing
// problem discovered while decoding one of its own frames.
func (c *Conn) closeWithError(err *Error) { c.shutdown(err) }

// Shutdown tears down every channel and closes the socket, used both for
// a graceful close and for fatal framing/heartbeat errors (spec.md §5/§7).
// Connection.Close is explicitly out of scope (spec.md §1) — this always
// closes the TCP socket directly rather than negotiating a protocol-level
// close first.
func (c *Conn) Shutdown(err error) {
	var e *Error
	if err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
		} else {
			e = wrapError(KindUnknown, err, "shutdown")
		}
	}
	c.shutdown(e)
}

func (c *Conn) shutdown(err *Error) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.shutdownErr = err
	if err != nil {
		c.logger.Error("connection shutting down", "kind", err.Kind, "err", err.Error())
	}
	for id, ch := range c.channels {
		ch.closedByPeer(err)
		delete(c.channels, id)
	}
	close(c.closed)
	c.netConn.Close()
}
