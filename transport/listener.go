package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-dispatch/channel"
	"mini-dispatch/codec"
	"mini-dispatch/message"
	"mini-dispatch/protocol"
)

// Listener accepts TCP connections and turns each one into a ConnBinder.
type Listener struct {
	ln       net.Listener
	log      *zap.Logger
	shutdown atomic.Bool
}

// Listen opens a listener on network and address.
func Listen(network, address string, log *zap.Logger) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{ln: ln, log: log}, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close and hands each one to register. Connections register
// refuses are aborted. Serve returns nil after Close.
func (l *Listener) Serve(register func(channel.Binder) error) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.shutdown.Load() {
				return nil
			}
			return err
		}
		b := NewConnBinder(conn, l.log)
		if err := register(b); err != nil {
			l.log.Warn("connection refused", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			b.Abort()
		}
	}
}

// Close stops accepting. Connections already handed out stay with their owner.
func (l *Listener) Close() error {
	l.shutdown.Store(true)
	return l.ln.Close()
}

// ConnBinder is a session binder over one TCP connection. Request frames become request
// contexts whose reply travels back as a Reply frame with the same sequence number; OneWay
// frames are acknowledged locally.
type ConnBinder struct {
	conn net.Conn
	log  *zap.Logger
	in   *inbox

	writeMu sync.Mutex

	mu          sync.Mutex
	closing     bool
	outstanding int
	idle        chan struct{}

	aborted   atomic.Bool
	closeOnce sync.Once
}

// NewConnBinder wraps conn and starts reading from it.
func NewConnBinder(conn net.Conn, log *zap.Logger) *ConnBinder {
	if log == nil {
		log = zap.NewNop()
	}
	c := &ConnBinder{
		conn: conn,
		log:  log.With(zap.Stringer("remote", conn.RemoteAddr())),
		in:   newInbox(64),
	}
	go c.readLoop()
	return c
}

func (c *ConnBinder) readLoop() {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.readFailed(err)
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeReply:
			c.log.Debug("ignoring reply frame from client", zap.Uint32("seq", header.Seq))
			continue
		}

		cdc, err := codec.Get(codec.Type(header.CodecType))
		var msg *message.Message
		if err == nil {
			msg, err = cdc.Decode(body)
		}
		if err != nil {
			if header.MsgType == protocol.MsgTypeRequest {
				c.writeReply(header, nil, nil, InfiniteWrite)
			}
			if c.in.push(channel.ReceiveResult{Err: &channel.CommunicationError{Op: "decode", Err: err}}) != nil {
				return
			}
			continue
		}
		if !c.begin() {
			c.log.Debug("dropping request received while closing", zap.Uint32("seq", header.Seq))
			continue
		}
		if err := c.in.push(channel.ReceiveResult{Context: c.requestContext(header, cdc, msg), OK: true}); err != nil {
			c.done()
			return
		}
	}
}

func (c *ConnBinder) readFailed(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), c.aborted.Load():
		c.in.end(nil)
	case closing && errors.Is(err, os.ErrDeadlineExceeded):
		c.in.end(nil)
	default:
		c.log.Warn("connection faulted", zap.Error(err))
		c.in.end(fmt.Errorf("%w: %v", channel.ErrFaulted, err))
	}
}

// InfiniteWrite disables the write deadline of a reply.
const InfiniteWrite = channel.InfiniteTimeout

func (c *ConnBinder) requestContext(header *protocol.Header, cdc codec.Codec, msg *message.Message) channel.RequestContext {
	var sent atomic.Bool
	reply := func(reply *message.Message, timeout time.Duration) error {
		if reply == nil && header.MsgType == protocol.MsgTypeOneWay {
			return nil
		}
		if header.MsgType == protocol.MsgTypeOneWay {
			c.log.Debug("dropping reply to a one-way frame", zap.String("action", reply.Headers.Action))
			return nil
		}
		sent.Store(true)
		return c.writeReply(header, cdc, reply, timeout)
	}
	return channel.NewReplyContext(msg, reply,
		channel.OnClose(func() {
			// A request frame always gets an answer so the client stops waiting.
			if header.MsgType == protocol.MsgTypeRequest && sent.CompareAndSwap(false, true) {
				_ = c.writeReply(header, nil, nil, InfiniteWrite)
			}
			c.done()
		}),
		channel.OnAbort(c.done))
}

// writeReply sends reply, or an empty Reply frame when reply is nil.
func (c *ConnBinder) writeReply(req *protocol.Header, cdc codec.Codec, reply *message.Message, timeout time.Duration) error {
	var body []byte
	if reply != nil {
		var err error
		if body, err = cdc.Encode(reply); err != nil {
			return &channel.CommunicationError{Op: "encode reply", Err: err}
		}
	}
	h := &protocol.Header{CodecType: req.CodecType, MsgType: protocol.MsgTypeReply, Seq: req.Seq}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout != InfiniteWrite {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := protocol.Encode(c.conn, h, body); err != nil {
		if c.aborted.Load() {
			return channel.ErrAborted
		}
		return &channel.CommunicationError{Op: "reply", Err: err}
	}
	return nil
}

func (c *ConnBinder) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.outstanding++
	return true
}

func (c *ConnBinder) done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding--
	if c.outstanding == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
}

func (c *ConnBinder) TryReceive(timeout time.Duration) (channel.RequestContext, bool, error) {
	return c.in.tryReceive(timeout)
}

func (c *ConnBinder) BeginTryReceive(timeout time.Duration, callback func(channel.ReceiveResult)) (channel.ReceiveResult, bool) {
	return c.in.beginTryReceive(timeout, callback)
}

// Close stops reading, lets outstanding exchanges finish for up to timeout and then closes the
// connection. Exchanges still running at the deadline are cut off by an abort.
func (c *ConnBinder) Close(timeout time.Duration) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	idle := make(chan struct{})
	if c.outstanding == 0 {
		close(idle)
	} else {
		c.idle = idle
	}
	c.mu.Unlock()

	_ = c.conn.SetReadDeadline(time.Now())
	c.in.end(nil)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		c.closeConn()
		return nil
	case <-timer.C:
		c.Abort()
		return channel.ErrTimeout
	}
}

func (c *ConnBinder) CloseAfterFault(timeout time.Duration) error {
	return c.Close(timeout)
}

// Abort closes the connection at once.
func (c *ConnBinder) Abort() {
	if !c.aborted.CompareAndSwap(false, true) {
		return
	}
	c.in.abort()
	c.closeConn()
}

func (c *ConnBinder) closeConn() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("close connection", zap.Error(err))
		}
	})
}

func (c *ConnBinder) HasSession() bool { return true }

func (c *ConnBinder) Shape() channel.Shape { return channel.ShapeReply }
