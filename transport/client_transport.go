package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-dispatch/channel"
	"mini-dispatch/codec"
	"mini-dispatch/message"
	"mini-dispatch/protocol"
)

// DefaultHeartbeat is how often an idle client transport pings the server.
const DefaultHeartbeat = 30 * time.Second

type response struct {
	msg *message.Message
	err error
}

// ClientTransport multiplexes concurrent requests over one connection. Each request frame gets
// a sequence number and recvLoop routes every Reply frame to the caller waiting on that number:
//
//	goroutine-1 ──Request(seq=1)──┐
//	goroutine-2 ──Request(seq=2)──┼──→ one TCP conn ──→ dispatcher
//	goroutine-3 ──Request(seq=3)──┘
//
//	recvLoop: ←── Reply(seq=2) → pending[2] → goroutine-2 wakes up
type ClientTransport struct {
	conn  net.Conn
	codec codec.Codec
	log   *zap.Logger

	seq     atomic.Uint32
	pending sync.Map // map[uint32]chan response

	sending sync.Mutex // one frame at a time on the wire

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewClientTransport starts reading replies from conn and pinging the server every heartbeat.
// A heartbeat of zero disables pings.
func NewClientTransport(conn net.Conn, c codec.Codec, heartbeat time.Duration, log *zap.Logger) *ClientTransport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &ClientTransport{
		conn:   conn,
		codec:  c,
		log:    log.With(zap.Stringer("remote", conn.RemoteAddr())),
		closed: make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Dial connects to address and wraps the connection.
func Dial(ctx context.Context, address string, c codec.Codec, log *zap.Logger) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &channel.CommunicationError{Op: "dial", Err: err}
	}
	return NewClientTransport(conn, c, DefaultHeartbeat, log), nil
}

// Request sends msg and waits for the reply frame with the same sequence number. An empty reply
// frame yields ErrNoReply.
func (t *ClientTransport) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	seq := t.seq.Add(1)
	ch := make(chan response, 1)
	t.pending.Store(seq, ch)
	if err := t.write(ctx, protocol.MsgTypeRequest, seq, msg); err != nil {
		t.pending.Delete(seq)
		return nil, err
	}
	// The connection may have died between Store and write.
	if err := t.Err(); err != nil {
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return nil, err
		}
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg == nil {
			return nil, ErrNoReply
		}
		return r.msg, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// Send writes msg as a OneWay frame. Nothing comes back.
func (t *ClientTransport) Send(ctx context.Context, msg *message.Message) error {
	return t.write(ctx, protocol.MsgTypeOneWay, t.seq.Add(1), msg)
}

func (t *ClientTransport) write(ctx context.Context, typ protocol.MsgType, seq uint32, msg *message.Message) error {
	if err := t.Err(); err != nil {
		return err
	}
	body, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	header := &protocol.Header{CodecType: byte(t.codec.Type()), MsgType: typ, Seq: seq}

	t.sending.Lock()
	defer t.sending.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := protocol.Encode(t.conn, header, body); err != nil {
		return &channel.CommunicationError{Op: "send", Err: err}
	}
	return nil
}

// recvLoop is the only reader of the connection. Replies may arrive in any order.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(&channel.CommunicationError{Op: "receive", Err: err})
			return
		}
		if header.MsgType != protocol.MsgTypeReply {
			continue
		}
		var r response
		if len(body) > 0 {
			cdc, err := codec.Get(codec.Type(header.CodecType))
			if err == nil {
				r.msg, err = cdc.Decode(body)
			}
			r.err = err
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan response) <- r
		} else {
			t.log.Debug("reply without a waiting request", zap.Uint32("seq", header.Seq))
		}
	}
}

// fail records the first terminal error and releases every pending caller with it.
func (t *ClientTransport) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	err = t.err
	t.errMu.Unlock()
	t.closeAllPending(err)
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.Close()
	})
}

func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan response) <- response{err: err}
		}
		return true
	})
}

// Err returns the error that ended the transport, or nil while it is usable.
func (t *ClientTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close closes the connection. Pending requests fail with ErrTransportClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrTransportClosed)
	return nil
}

// heartbeatLoop sends an empty Heartbeat frame every interval until the transport ends.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.log.Debug("heartbeat failed", zap.Error(err))
			t.fail(&channel.CommunicationError{Op: "heartbeat", Err: err})
			return
		}
	}
}
