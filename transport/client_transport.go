// Package transport multiplexes concurrent calls over one TCP connection to a
// bridge.
//
// Each request gets a sequence number and a background goroutine (recvLoop)
// routes every response to the caller waiting on that number.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ bridge
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"cad-bridge/codec"
	"cad-bridge/message"
	"cad-bridge/protocol"
)

// ErrClosed is returned for calls on a transport whose connection is gone.
const ErrClosed = errors.ConstError("transport closed")

// DefaultHeartbeat is how often an idle connection is probed.
const DefaultHeartbeat = 30 * time.Second

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	clock   clock.Clock
	logger  *zap.Logger
	seq     uint32     // Protected by sending
	sending sync.Mutex // Serializes whole frames on the conn

	mu      sync.Mutex
	pending map[uint32]chan *message.RPCMessage // Each request waits on its own channel
	err     error                               // Why the connection ended, once it has

	closing chan struct{}
	done    chan struct{} // Closed when recvLoop exits
	once    sync.Once
}

// NewClientTransport takes ownership of conn and starts its receive and
// heartbeat goroutines. Close stops both. A nil clk means the wall clock.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration, clk clock.Clock, logger *zap.Logger) *ClientTransport {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:    conn,
		codec:   codecType,
		clock:   clk,
		logger:  logger,
		pending: make(map[uint32]chan *message.RPCMessage),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(heartbeat)
	return t
}

// Send writes a request for method and returns the channel its response
// arrives on. args must encode to a JSON array of positional arguments; nil
// means none. The channel yields nil if the connection ends first; Err then
// says why.
func (t *ClientTransport) Send(method string, args any) (uint32, <-chan *message.RPCMessage, error) {
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, errors.Annotatef(err, "encoding %s arguments", method)
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: method,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, errors.Trace(err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Register before writing so recvLoop cannot see the reply first.
	respChan := make(chan *message.RPCMessage, 1)
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return 0, nil, t.err
	}
	t.pending[seq] = respChan
	t.mu.Unlock()

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.forget(seq)
		return 0, nil, errors.Annotatef(err, "sending %s", method)
	}
	return seq, respChan, nil
}

// Call sends a request and waits for its response or ctx.
func (t *ClientTransport) Call(ctx context.Context, method string, args any) (*message.RPCMessage, error) {
	seq, ch, err := t.Send(method, args)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp == nil {
			return nil, t.Err()
		}
		return resp, nil
	case <-ctx.Done():
		t.forget(seq)
		return nil, ctx.Err()
	}
}

func (t *ClientTransport) forget(seq uint32) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// recvLoop is the only reader of the connection, so frame boundaries stay intact.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
			resp = *message.Reply("", errors.Annotate(err, "malformed response"))
		}

		t.mu.Lock()
		ch, ok := t.pending[header.Seq]
		delete(t.pending, header.Seq)
		t.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			t.logger.Debug("dropping response nobody waits for", zap.Uint32("seq", header.Seq))
		}
	}
}

// fail records why the connection ended and releases every pending caller.
func (t *ClientTransport) fail(err error) {
	select {
	case <-t.closing:
		err = ErrClosed
	default:
		err = errors.Annotatef(err, "connection to %s lost", t.conn.RemoteAddr())
	}
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	pending := t.pending
	t.pending = make(map[uint32]chan *message.RPCMessage)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
}

// Err returns why the connection ended, or nil while it is up.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Alive reports whether the connection is still usable.
func (t *ClientTransport) Alive() bool {
	return t.Err() == nil
}

// heartbeatLoop keeps an idle connection from being mistaken for a dead one.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	timer := t.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-t.closing:
			return
		case <-t.done:
			return
		case <-timer.Chan():
		}
		timer.Reset(interval)
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}

// Close shuts the connection and waits for the receive loop to exit.
func (t *ClientTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closing)
		err = t.conn.Close()
	})
	<-t.done
	return err
}
