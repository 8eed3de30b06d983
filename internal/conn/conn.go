//go:build unix

// Package conn implements the connection state machine: one non-blocking
// socket, an inbound accumulator drained through a framing codec, and an
// outbound queue with high-water-mark backpressure.
package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/loykin/workerd/internal/demux"
	"github.com/loykin/workerd/internal/framing"
)

const (
	DefaultHighWaterMark  = 1 << 20
	DefaultMaxPackageSize = 10 << 20
	defaultReadSize       = 64 << 10
)

var (
	ErrNotEstablished  = errors.New("conn: not established")
	ErrClosed          = errors.New("conn: closed")
	ErrPackageTooLarge = errors.New("conn: inbound package exceeds max size")
)

// State of a connection.
type State int32

const (
	StateConnecting State = iota
	// StateAuthenticating is a sub-state of established: sends are allowed,
	// inbound messages go to the Handshaker instead of OnMessage.
	StateAuthenticating
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives connection lifecycle events. All methods run on the loop
// goroutine.
type Handler interface {
	OnConnect(c *Conn)
	OnMessage(c *Conn, msg any)
	OnClose(c *Conn)
	OnError(c *Conn, err error)
	OnBufferFull(c *Conn)
	OnBufferDrain(c *Conn)
}

// Handshaker drives the authenticating sub-state. Begin runs when the socket
// connects; Step receives every decoded message until it reports done. A
// returned error closes the connection.
type Handshaker interface {
	Begin(c *Conn) (done bool, err error)
	Step(c *Conn, msg any) (done bool, err error)
}

// Options configures a connection.
type Options struct {
	Codec          framing.Codec
	Handler        Handler
	Handshaker     Handshaker
	HighWaterMark  int
	MaxPackageSize int
	ReadSize       int
	Stats          *Stats
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Codec == nil {
		o.Codec = framing.Raw{}
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.MaxPackageSize <= 0 {
		o.MaxPackageSize = DefaultMaxPackageSize
	}
	if o.ReadSize <= 0 {
		o.ReadSize = defaultReadSize
	}
	if o.Stats == nil {
		o.Stats = &Stats{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

var lastID atomic.Uint64

// Conn is owned by a single event loop and is not safe for concurrent use.
type Conn struct {
	id     uint64
	fd     int
	remote string
	loop   demux.Demultiplexer
	opts   Options
	log    *slog.Logger

	state    State
	interest demux.Events
	in       []byte
	out      []byte
	rbuf     []byte
	full     bool
	errored  bool
	value    any
}

func newConn(loop demux.Demultiplexer, fd int, remote string, opts Options) *Conn {
	opts.setDefaults()
	id := lastID.Add(1)
	return &Conn{
		id:     id,
		fd:     fd,
		remote: remote,
		loop:   loop,
		opts:   opts,
		log:    opts.Logger.With("conn", id, "remote", remote),
		rbuf:   make([]byte, opts.ReadSize),
	}
}

// Attach adopts an already connected descriptor and fires the connect
// sequence. It is the accept variant: the connection skips CONNECTING.
func Attach(loop demux.Demultiplexer, fd int, remote string, opts Options) (*Conn, error) {
	c, err := adopt(loop, fd, remote, opts)
	if err != nil {
		return nil, err
	}
	c.connected()
	return c, nil
}

func adopt(loop demux.Demultiplexer, fd int, remote string, opts Options) (*Conn, error) {
	c := newConn(loop, fd, remote, opts)
	c.state = StateConnecting
	c.interest = demux.EventRead
	if err := loop.Add(fd, c.interest, c.handle); err != nil {
		return nil, err
	}
	c.opts.Stats.Connections.Add(1)
	return c, nil
}

func (c *Conn) ID() uint64     { return c.id }
func (c *Conn) FD() int        { return c.fd }
func (c *Conn) Remote() string { return c.remote }
func (c *Conn) State() State   { return c.state }

// Buffered is the outbound queue length.
func (c *Conn) Buffered() int { return len(c.out) }

// Pending is the inbound bytes not yet framed.
func (c *Conn) Pending() int { return len(c.in) }

// Value returns the user value attached with SetValue.
func (c *Conn) Value() any     { return c.value }
func (c *Conn) SetValue(v any) { c.value = v }

func (c *Conn) open() bool {
	return c.state == StateAuthenticating || c.state == StateEstablished
}

// Send queues data, encoding it through the codec unless raw is set. A write
// is attempted immediately when nothing is queued. Sending past the
// high-water mark still succeeds. On a closing or closed connection Send
// only returns ErrClosed; OnError is not called.
func (c *Conn) Send(data []byte, raw bool) error {
	if !c.open() {
		c.opts.Stats.SendFail.Add(1)
		if c.state == StateConnecting {
			c.opts.Handler.OnError(c, ErrNotEstablished)
			return ErrNotEstablished
		}
		return ErrClosed
	}
	if !raw {
		data = c.opts.Codec.Encode(data)
	}
	if len(data) == 0 {
		return nil
	}
	if len(c.out) == 0 {
		n, err := c.write(data)
		if err != nil {
			c.opts.Stats.SendFail.Add(1)
			c.fail(fmt.Errorf("conn: write: %w", err))
			return err
		}
		if n == len(data) {
			return nil
		}
		data = data[n:]
	}
	c.out = append(c.out, data...)
	c.want(c.interest | demux.EventWrite)
	if !c.full && len(c.out) >= c.opts.HighWaterMark {
		c.full = true
		c.opts.Handler.OnBufferFull(c)
	}
	return nil
}

// Close stops reading and closes once queued output has been flushed.
func (c *Conn) Close() {
	switch c.state {
	case StateClosing, StateClosed:
		return
	case StateConnecting:
		c.Destroy()
		return
	}
	c.state = StateClosing
	if len(c.out) == 0 {
		c.Destroy()
		return
	}
	c.want(demux.EventWrite)
}

// Destroy closes the socket immediately, abandoning queued output.
func (c *Conn) Destroy() {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if err := c.loop.Remove(c.fd); err != nil && !errors.Is(err, demux.ErrFDNotRegistered) {
		c.log.Debug("unregister failed", "error", err)
	}
	_ = unix.Close(c.fd)
	c.in, c.out = nil, nil
	c.opts.Stats.Connections.Add(-1)
	c.log.Debug("connection closed")
	c.opts.Handler.OnClose(c)
}

// fail reports err once and destroys the connection.
func (c *Conn) fail(err error) {
	if c.state == StateClosed {
		return
	}
	if !c.errored {
		c.errored = true
		c.log.Debug("connection error", "error", err)
		c.opts.Handler.OnError(c, err)
	}
	c.Destroy()
}

func (c *Conn) want(ev demux.Events) {
	if ev == c.interest || c.state == StateClosed {
		return
	}
	if err := c.loop.Modify(c.fd, ev); err != nil {
		c.fail(err)
		return
	}
	c.interest = ev
}

func (c *Conn) handle(_ int, ev demux.Events) {
	if c.state == StateConnecting {
		c.finishConnect()
		return
	}
	if c.open() && ev.Has(demux.EventRead|demux.EventHangup|demux.EventError) {
		c.readable()
	}
	if c.state == StateClosed {
		return
	}
	if ev.Has(demux.EventWrite) && len(c.out) > 0 {
		c.writable()
		return
	}
	if c.state == StateClosing && ev.Has(demux.EventHangup|demux.EventError) {
		c.Destroy()
	}
}

func (c *Conn) finishConnect() {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && errno != 0 {
		err = unix.Errno(errno)
	}
	if err != nil {
		c.fail(fmt.Errorf("conn: connect %s: %w", c.remote, err))
		return
	}
	c.want(demux.EventRead)
	c.connected()
}

func (c *Conn) connected() {
	if hs := c.opts.Handshaker; hs != nil {
		c.state = StateAuthenticating
		c.log.Debug("connected, authenticating")
		done, err := hs.Begin(c)
		if err != nil {
			c.fail(fmt.Errorf("conn: handshake: %w", err))
			return
		}
		if !done || c.state != StateAuthenticating {
			return
		}
	}
	c.established()
}

func (c *Conn) established() {
	c.state = StateEstablished
	c.log.Debug("connection established")
	c.opts.Handler.OnConnect(c)
}

func (c *Conn) readable() {
	n, err := unix.Read(c.fd, c.rbuf)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		c.fail(fmt.Errorf("conn: read: %w", err))
		return
	case n == 0:
		c.Destroy()
		return
	}
	c.opts.Stats.BytesRead.Add(int64(n))
	c.in = append(c.in, c.rbuf[:n]...)
	c.parse()
}

// parse dispatches every complete frame in the inbound buffer, in order.
func (c *Conn) parse() {
	for c.open() && len(c.in) > 0 {
		n, err := c.opts.Codec.Probe(c.in)
		if err != nil {
			c.fail(err)
			return
		}
		if n == 0 {
			if len(c.in) > c.opts.MaxPackageSize {
				c.fail(fmt.Errorf("%w: %d bytes", ErrPackageTooLarge, len(c.in)))
			}
			return
		}
		if n > len(c.in) {
			c.fail(fmt.Errorf("%w: frame length %d exceeds buffer %d", framing.ErrMalformed, n, len(c.in)))
			return
		}
		msg, err := c.opts.Codec.Decode(c.in[:n])
		c.in = c.in[:copy(c.in, c.in[n:])]
		if err != nil {
			c.fail(err)
			return
		}
		c.opts.Stats.TotalRequest.Add(1)
		if c.state == StateAuthenticating {
			c.step(msg)
			continue
		}
		c.opts.Handler.OnMessage(c, msg)
	}
}

func (c *Conn) step(msg any) {
	done, err := c.opts.Handshaker.Step(c, msg)
	if err != nil {
		c.fail(fmt.Errorf("conn: handshake: %w", err))
		return
	}
	if done && c.state == StateAuthenticating {
		c.established()
	}
}

func (c *Conn) writable() {
	n, err := c.write(c.out)
	if err != nil {
		c.opts.Stats.SendFail.Add(1)
		c.fail(fmt.Errorf("conn: write: %w", err))
		return
	}
	c.out = c.out[:copy(c.out, c.out[n:])]
	if c.full && len(c.out) < c.opts.HighWaterMark {
		c.full = false
	}
	if len(c.out) > 0 {
		return
	}
	if c.state == StateClosing {
		c.Destroy()
		return
	}
	c.want(c.interest &^ demux.EventWrite)
	c.opts.Handler.OnBufferDrain(c)
	if c.state == StateClosing && len(c.out) == 0 {
		c.Destroy()
	}
}

// write returns the bytes accepted; EAGAIN is not an error.
func (c *Conn) write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	c.opts.Stats.BytesWritten.Add(int64(n))
	return n, nil
}
