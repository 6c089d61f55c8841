// Package server is the RPC listener: it accepts connections on a background
// goroutine, turns every request into a queued command and answers with the
// command's result once the owning thread has run it.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest
//	    → Codec.Decode → Middleware Chain → businessHandler → Codec.Encode → write response
//
// businessHandler never runs a command itself. It enqueues the command and
// blocks until the dispatcher resolves it, the call times out, or the queue is
// closed underneath it.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"cad-bridge/codec"
	"cad-bridge/message"
	"cad-bridge/metrics"
	"cad-bridge/middleware"
	"cad-bridge/protocol"
	"cad-bridge/queue"
	"cad-bridge/surface"
)

// ErrJoinTimeout is returned by Join when goroutines are still running at the deadline.
const ErrJoinTimeout = errors.ConstError("listener goroutines did not exit in time")

// DefaultCallTimeout bounds how long a caller waits for the owning thread.
const DefaultCallTimeout = 30 * time.Second

// unknownMethodLabel stands in for method names outside the surface in metrics
// and logs, so callers cannot mint label values.
const unknownMethodLabel = "unknown"

// Methods is the closed set of callable method names.
type Methods interface {
	Has(method string) bool
}

// ListenFunc opens the listening socket.
type ListenFunc func(network, address string) (net.Listener, error)

type Config struct {
	Methods     Methods
	CallTimeout time.Duration
	Listen      ListenFunc
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Server serves a single session: Start once, Shutdown and Join once.
type Server struct {
	methods     Methods
	callTimeout time.Duration
	listen      ListenFunc
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics

	middlewares []middleware.Middleware // Applied in order
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))

	tomb     tomb.Tomb
	listener net.Listener
	queue    *queue.Queue
	requests sync.WaitGroup // In-flight requests

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	joining bool // No new requests once Join waits on them
}

func New(cfg Config) *Server {
	s := &Server{
		methods:     cfg.Methods,
		callTimeout: cfg.CallTimeout,
		listen:      cfg.Listen,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		conns:       make(map[net.Conn]struct{}),
	}
	if s.callTimeout <= 0 {
		s.callTimeout = DefaultCallTimeout
	}
	if s.listen == nil {
		s.listen = net.Listen
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Start binds address and launches the accept loop. Requests are fed into q.
// Nothing is left running when it returns an error.
func (s *Server) Start(network, address string, q *queue.Queue) error {
	listener, err := s.listen(network, address)
	if err != nil {
		return errors.Annotatef(err, "binding %s", address)
	}
	s.listener = listener
	s.queue = q

	// Build the middleware chain once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)

	s.logger.Info("listening", zap.Stringer("addr", listener.Addr()))
	s.tomb.Go(s.acceptLoop)
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Dying is closed as soon as the accept loop stops, whether through Shutdown
// or because accepting failed.
func (s *Server) Dying() <-chan struct{} {
	return s.tomb.Dying()
}

// Dead is closed once the accept loop and every connection goroutine have exited.
func (s *Server) Dead() <-chan struct{} {
	return s.tomb.Dead()
}

// Err returns why the accept loop died: nil after Shutdown, the accept error
// if it failed on its own, tomb.ErrStillAlive while it is running.
func (s *Server) Err() error {
	return s.tomb.Err()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an Accept error.
			if !s.tomb.Alive() {
				return nil
			}
			s.logger.Error("accept failed", zap.Error(err))
			return errors.Annotate(err, "accepting connections")
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.tomb.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// handleConn reads frames sequentially and hands every request to its own
// goroutine. writeMu keeps their responses from interleaving on the wire.
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return // Connection closed or protocol error
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		if !s.startRequest() {
			return
		}
		go s.handleRequest(header, body, conn, writeMu)
	}
}

func (s *Server) startRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joining {
		return false
	}
	s.requests.Add(1)
	return true
}

// handleRequest runs one request through decode → middleware → business handler
// → encode and writes the reply with the request's seq.
func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.requests.Done()
	start := s.clock.Now()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, &req); err != nil {
		resp = message.Reply("", message.Errorf(message.InvalidArguments, "malformed request: %v", err))
	} else {
		resp = s.handler(context.Background(), &req)
	}

	if resp.Failed() && resp.Kind != message.ExecutionFailed {
		s.metrics.CallRejected(string(resp.Kind))
	}
	metricMethod := req.ServiceMethod
	if !s.methods.Has(metricMethod) {
		metricMethod = unknownMethodLabel
	}
	s.metrics.CallFinished(metricMethod, s.clock.Now().Sub(start))

	result, err := c.Encode(resp)
	if err != nil {
		s.logger.Error("encoding reply", zap.String("method", metricMethod), zap.Error(err))
		// The caller still gets a reply it can decode.
		result, err = c.Encode(message.Reply("", message.Errorf(message.ExecutionFailed, "reply could not be encoded: %v", err)))
		if err != nil {
			return
		}
	}
	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &reply, result); err != nil {
		s.logger.Debug("writing reply", zap.String("method", metricMethod), zap.Error(err))
	}
}

// businessHandler turns a request into a command on the queue and waits for
// its result.
func (s *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	method := req.ServiceMethod
	if !s.methods.Has(method) {
		return message.Reply(method, message.Errorf(message.UnknownMethod, "method %q is not exposed", method))
	}
	args, err := surface.ParseArgs(req.Payload)
	if err != nil {
		return message.Reply(method, err)
	}

	pending, err := s.queue.Enqueue(queue.NewCommand(method, args, s.clock.Now()))
	if err != nil {
		return message.Reply(method, err)
	}
	s.metrics.CommandEnqueued()

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	result, err := pending.Wait(ctx)
	if err != nil {
		timedOut := message.Reply(method, message.Errorf(message.Timeout, "%s: no result within %s", method, s.callTimeout))
		if pending.Abandon("no result from the owning thread within " + s.callTimeout.String()) {
			return timedOut
		}
		select {
		case <-pending.Done():
			// Resolved between Wait giving up and Abandon.
			result = pending.Result()
		default:
			// Already claimed: the command runs to completion but nobody reads it.
			s.logger.Warn("call timed out while executing",
				zap.String("method", method), zap.String("id", pending.Command.ID))
			return timedOut
		}
	}
	if err := result.Err(); err != nil {
		return message.Reply(method, err)
	}
	return &message.RPCMessage{ServiceMethod: method, Payload: result.Payload}
}

// Shutdown stops accepting connections. Requests already read keep running;
// close the queue to release the ones still waiting.
func (s *Server) Shutdown() {
	s.tomb.Kill(nil)
	if s.listener != nil {
		s.listener.Close()
	}
}

// Join waits up to timeout for in-flight requests to be answered, closes every
// connection and waits for the connection goroutines to exit.
func (s *Server) Join(timeout time.Duration) error {
	deadline := s.clock.After(timeout)

	s.mu.Lock()
	s.joining = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.requests.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-deadline:
		s.closeConns()
		return ErrJoinTimeout
	}

	s.closeConns()
	select {
	case <-s.tomb.Dead():
		return nil
	case <-deadline:
		return ErrJoinTimeout
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for conn := range conns {
		conn.Close()
	}
}
