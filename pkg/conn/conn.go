// Package conn owns one TCP channel to one node, multiplexing concurrent
// requests over it with connection-scoped stream ids. A single reader
// goroutine owns the socket's read side; writes are serialized at the
// frame boundary.
package conn

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/romankagan/cql-driver/pkg/cql"
	"github.com/romankagan/cql-driver/pkg/frame"
)

// ErrNoStreams is returned by Exec when every stream id is in use. The
// pool reacts by trying another connection.
var ErrNoStreams = errors.New("no free stream ids on connection")

// ErrAuthNotSupported is returned when a node demands authentication,
// which this driver does not speak.
var ErrAuthNotSupported = errors.New("node requires authentication, which is not supported")

// ClosedError resolves every request that was pending when its connection
// closed.
type ClosedError struct {
	Addr   string
	Reason error
}

func (e *ClosedError) Error() string {
	if e.Reason == nil {
		return "connection to " + e.Addr + " closed"
	}
	return "connection to " + e.Addr + " closed: " + e.Reason.Error()
}

func (e *ClosedError) Unwrap() error { return e.Reason }

const (
	// DefaultMaxStreams is the stream-id space per connection. The
	// protocol allows up to 32768.
	DefaultMaxStreams = 1024

	readBufferSize = 8192
)

// Options configure one connection.
type Options struct {
	MaxStreams int
	Compressor frame.Compressor
	Checksum   bool

	// EventHandler receives server-pushed event frames (stream -1).
	EventHandler func(*cql.Event)

	// OnClose runs once after the connection has fully closed and all
	// pending requests have been failed.
	OnClose func(*Conn)

	Logger  log.Logger
	Metrics *Metrics
}

type call struct {
	resp chan *frame.Frame
}

// Conn is one established, handshaken connection to a node.
type Conn struct {
	addr string
	nc   net.Conn
	opts Options

	codec atomic.Pointer[frame.Codec]

	writeMu sync.Mutex

	streamMu sync.Mutex
	free     []int16
	pending  map[int16]*call
	orphaned map[int16]struct{}

	inflight atomic.Int64

	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  atomic.Error

	logger  log.Logger
	metrics *Metrics
}

// New wraps an established net.Conn, performs the protocol handshake and
// starts the reader loop. On handshake failure the socket is closed.
func New(ctx context.Context, addr string, nc net.Conn, opts Options) (*Conn, error) {
	if opts.MaxStreams <= 0 || opts.MaxStreams > 32768 {
		opts.MaxStreams = DefaultMaxStreams
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	c := &Conn{
		addr:     addr,
		nc:       nc,
		opts:     opts,
		free:     make([]int16, 0, opts.MaxStreams),
		pending:  make(map[int16]*call),
		orphaned: make(map[int16]struct{}),
		closedCh: make(chan struct{}),
		logger:   log.With(opts.Logger, "component", "conn", "node", addr),
		metrics:  opts.Metrics,
	}
	for id := int16(opts.MaxStreams - 1); id >= 0; id-- {
		c.free = append(c.free, id)
	}
	// The handshake exchange runs over the plain codec; compression and
	// checksums only apply once the server has accepted them at STARTUP.
	c.codec.Store(&frame.Codec{})

	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.Close(err)
		return nil, err
	}

	if opts.Compressor != nil || opts.Checksum {
		c.codec.Store(&frame.Codec{
			Compressor:      opts.Compressor,
			Checksum:        opts.Checksum,
			CompressMinSize: 64,
		})
	}

	if c.metrics != nil {
		c.metrics.opened.WithLabelValues(addr).Inc()
	}
	return c, nil
}

// Dial connects, handshakes and returns a ready connection.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts Options) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	return New(ctx, addr, nc, opts)
}

func (c *Conn) handshake(ctx context.Context) error {
	compression := ""
	if c.opts.Compressor != nil {
		compression = c.opts.Compressor.Name()
	}
	resp, err := c.Exec(ctx, frame.OpStartup, cql.Startup(compression, c.opts.Checksum))
	if err != nil {
		return errors.Wrap(err, "startup")
	}
	switch resp.Header.Op {
	case frame.OpReady:
		return nil
	case frame.OpAuthenticate:
		return ErrAuthNotSupported
	case frame.OpError:
		se, perr := cql.ParseError(resp.Body, resp.Header.Flags&frame.FlagTracing != 0)
		if perr != nil {
			return perr
		}
		return errors.Wrap(se, "startup rejected")
	default:
		return errors.Errorf("unexpected %s response to STARTUP", resp.Header.Op)
	}
}

func (c *Conn) Addr() string { return c.addr }

// Inflight is the number of requests currently awaiting a response. Pools
// use it to pick the least busy connection.
func (c *Conn) Inflight() int64 { return c.inflight.Load() }

// FreeStreams is the number of stream ids available for new requests.
// Orphaned ids do not count until their late response frees them.
func (c *Conn) FreeStreams() int {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return len(c.free)
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.closedCh }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// Exec sends one request frame and blocks until its response arrives, ctx
// is done, or the connection closes. A ctx cancellation orphans the stream
// id: the id stays out of circulation until the late response (or close)
// releases it, so an id is never shared by two outstanding exchanges.
func (c *Conn) Exec(ctx context.Context, op frame.Op, body []byte) (*frame.Frame, error) {
	id, cl, err := c.register()
	if err != nil {
		return nil, err
	}
	c.inflight.Inc()
	if c.metrics != nil {
		c.metrics.inflight.WithLabelValues(c.addr).Inc()
	}
	start := time.Now()
	defer func() {
		c.inflight.Dec()
		if c.metrics != nil {
			c.metrics.inflight.WithLabelValues(c.addr).Dec()
			c.metrics.duration.WithLabelValues(c.addr).Observe(time.Since(start).Seconds())
		}
	}()

	buf, err := c.codec.Load().Encode(op, id, body)
	if err != nil {
		c.release(id)
		return nil, err
	}

	c.writeMu.Lock()
	_, err = c.nc.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		c.release(id)
		err = errors.Wrap(err, "writing frame")
		c.Close(err)
		return nil, &ClosedError{Addr: c.addr, Reason: err}
	}

	select {
	case f := <-cl.resp:
		return f, nil
	case <-ctx.Done():
		c.orphan(id)
		return nil, ctx.Err()
	case <-c.closedCh:
		return nil, &ClosedError{Addr: c.addr, Reason: c.closeErr.Load()}
	}
}

func (c *Conn) register() (int16, *call, error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.Closed() {
		return 0, nil, &ClosedError{Addr: c.addr, Reason: c.closeErr.Load()}
	}
	if len(c.free) == 0 {
		return 0, nil, ErrNoStreams
	}
	id := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	cl := &call{resp: make(chan *frame.Frame, 1)}
	c.pending[id] = cl
	return id, cl, nil
}

// release frees an id whose request never made it onto the wire.
func (c *Conn) release(id int16) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	delete(c.pending, id)
	c.free = append(c.free, id)
}

// orphan parks an id whose caller gave up. The id returns to the free list
// only when the server's (late) response arrives or the connection closes.
func (c *Conn) orphan(id int16) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	c.orphaned[id] = struct{}{}
}

func (c *Conn) readLoop() {
	var buf []byte
	rd := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(rd)
		if n > 0 {
			buf = append(buf, rd[:n]...)
			for {
				f, consumed, derr := c.codec.Load().Decode(buf)
				if derr != nil {
					if c.metrics != nil {
						c.metrics.malformed.Inc()
					}
					level.Error(c.logger).Log("msg", "malformed frame, closing connection", "err", derr)
					c.Close(derr)
					return
				}
				if f == nil {
					break
				}
				rest := copy(buf, buf[consumed:])
				buf = buf[:rest]
				c.dispatch(f)
			}
		}
		if err != nil {
			c.Close(err)
			return
		}
	}
}

// dispatch routes one decoded frame: server events to the event handler,
// everything else to the call registered under its stream id.
func (c *Conn) dispatch(f *frame.Frame) {
	if f.Header.Stream == frame.EventStream {
		if f.Header.Op == frame.OpEvent && c.opts.EventHandler != nil {
			ev, err := cql.ParseEvent(f.Body)
			if err != nil {
				level.Warn(c.logger).Log("msg", "dropping undecodable event frame", "err", err)
				return
			}
			c.opts.EventHandler(ev)
		}
		return
	}

	c.streamMu.Lock()
	id := f.Header.Stream
	if _, ok := c.orphaned[id]; ok {
		// Late response for a cancelled request: discard it and put
		// the id back into circulation.
		delete(c.orphaned, id)
		c.free = append(c.free, id)
		c.streamMu.Unlock()
		return
	}
	cl, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.free = append(c.free, id)
	}
	c.streamMu.Unlock()

	if !ok {
		level.Warn(c.logger).Log("msg", "response for unknown stream", "stream", id, "op", f.Header.Op.String())
		return
	}
	cl.resp <- f
}

// Close tears the connection down. Every pending request resolves with a
// ClosedError; the call is idempotent and safe from any goroutine.
func (c *Conn) Close(reason error) {
	c.closeOnce.Do(func() {
		if reason != nil {
			c.closeErr.Store(reason)
		}
		close(c.closedCh)
		_ = c.nc.Close()

		c.streamMu.Lock()
		c.pending = make(map[int16]*call)
		c.orphaned = make(map[int16]struct{})
		c.free = c.free[:0]
		c.streamMu.Unlock()

		if c.metrics != nil {
			c.metrics.closed.WithLabelValues(c.addr).Inc()
		}
		level.Debug(c.logger).Log("msg", "connection closed", "reason", reason)

		if c.opts.OnClose != nil {
			c.opts.OnClose(c)
		}
	})
}
