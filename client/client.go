// Package client calls a running bridge, either at a fixed address or at one
// picked from the registry.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"cad-bridge/codec"
	"cad-bridge/config"
	"cad-bridge/loadbalance"
	"cad-bridge/message"
	"cad-bridge/middleware"
	"cad-bridge/registry"
	"cad-bridge/transport"
)

type Options struct {
	// Addr is the bridge to call. It is ignored when Registry is set.
	Addr string

	Registry    registry.Registry
	ServiceName string
	Balancer    loadbalance.Balancer // Defaults to round robin

	Codec       codec.CodecType
	PoolSize    int // Connections per bridge, default 1
	DialTimeout time.Duration
	Heartbeat   time.Duration
	// Middlewares wrap every call on the client side, e.g. RetryMiddleware.
	Middlewares []middleware.Middleware
	Clock       clock.Clock // Drives heartbeats, defaults to the wall clock
	Logger      *zap.Logger
}

type Client struct {
	opts    Options
	logger  *zap.Logger
	handler middleware.HandlerFunc

	mu     sync.Mutex
	pools  map[string]*pool
	closed bool
}

// pool is a fixed set of multiplexed transports to one bridge, used in turn.
type pool struct {
	mu         sync.Mutex
	transports []*transport.ClientTransport
	next       int
}

func New(opts Options) *Client {
	if opts.Addr == "" && opts.Registry == nil {
		opts.Addr = fmt.Sprintf("localhost:%d", config.DefaultPort)
	}
	if opts.ServiceName == "" {
		opts.ServiceName = config.DefaultServiceName
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		opts:   opts,
		logger: opts.Logger,
		pools:  make(map[string]*pool),
	}
	c.handler = middleware.Chain(opts.Middlewares...)(c.send)
	return c
}

// Call invokes method with args as positional arguments and decodes the result
// into reply, which may be nil. Failures reported by the bridge come back as
// *message.Error carrying their kind.
func (c *Client) Call(ctx context.Context, method string, reply any, args ...any) error {
	payload, err := json.Marshal(append([]any{}, args...))
	if err != nil {
		return errors.Annotatef(err, "encoding %s arguments", method)
	}
	call := &callState{args: args}
	ctx = context.WithValue(ctx, callKey{}, call)

	resp := c.handler(ctx, &message.RPCMessage{ServiceMethod: method, Payload: payload})
	if call.err != nil {
		return call.err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return errors.Annotatef(err, "decoding %s result", method)
	}
	return nil
}

// Ping checks that a bridge answers and that its dispatcher is draining commands.
func (c *Client) Ping(ctx context.Context) error {
	var ok bool
	if err := c.Call(ctx, "ping", &ok); err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("bridge answered ping with false")
	}
	return nil
}

type callKey struct{}

// callState travels with a call through the middleware chain, which only
// passes messages, to carry the failures that never reached the bridge.
type callState struct {
	args []any
	err  error
}

// balanceKey is what a call is about: its document, the first string argument
// of every document-scoped method.
func balanceKey(ctx context.Context, method string) string {
	if call, ok := ctx.Value(callKey{}).(*callState); ok && len(call.args) > 0 {
		if s, ok := call.args[0].(string); ok {
			return s
		}
	}
	return method
}

// send is the innermost handler: it picks a bridge and does the round trip.
func (c *Client) send(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	call, _ := ctx.Value(callKey{}).(*callState)
	if call == nil {
		call = &callState{}
	}
	call.err = nil
	fail := func(err error) *message.RPCMessage {
		call.err = err
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}

	addr, err := c.pick(ctx, req.ServiceMethod)
	if err != nil {
		return fail(err)
	}
	t, err := c.transport(addr)
	if err != nil {
		return fail(err)
	}

	var args any
	if len(req.Payload) > 0 {
		args = json.RawMessage(req.Payload)
	}
	resp, err := t.Call(ctx, req.ServiceMethod, args)
	if err != nil {
		return fail(err)
	}
	return resp
}

func (c *Client) pick(ctx context.Context, method string) (string, error) {
	if c.opts.Registry == nil {
		return c.opts.Addr, nil
	}
	instances, err := c.opts.Registry.Discover(ctx, c.opts.ServiceName)
	if err != nil {
		return "", errors.Trace(err)
	}
	inst, err := c.opts.Balancer.Pick(instances, balanceKey(ctx, method))
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}

// transport returns a live transport to addr, dialling on first use and
// replacing connections that have died.
func (c *Client) transport(addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = &pool{transports: make([]*transport.ClientTransport, c.opts.PoolSize)}
		c.pools[addr] = p
	}
	c.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.next
	p.next = (p.next + 1) % len(p.transports)
	if t := p.transports[i]; t != nil && t.Alive() {
		return t, nil
	} else if t != nil {
		t.Close()
	}

	conn, err := net.DialTimeout("tcp", addr, c.opts.DialTimeout)
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		// Usually a port mismatch between the bridge and its caller.
		return nil, errors.Errorf("no bridge listening at %s (default port is %d); start it from the host or check the port", addr, config.DefaultPort)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "dialling bridge at %s", addr)
	}
	t := transport.NewClientTransport(conn, c.opts.Codec, c.opts.Heartbeat, c.opts.Clock, c.logger)
	p.transports[i] = t
	return t, nil
}

// Close closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*pool)
	c.mu.Unlock()

	var errs []string
	for _, p := range pools {
		p.mu.Lock()
		for _, t := range p.transports {
			if t == nil {
				continue
			}
			if err := t.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		p.mu.Unlock()
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
