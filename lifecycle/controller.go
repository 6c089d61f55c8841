// Package lifecycle owns the bridge's start/stop state machine.
//
//	Stopped ──Start──▶ Starting ──bound──▶ Running ──Stop──▶ Stopping ──joined──▶ Stopped
//	              └──bind failed──▶ Stopped            └──accept loop died──▶ Stopping
//
// Each Start builds a fresh session (queue, listener and dispatcher) and each
// Stop tears that session down, so nothing from one run leaks into the next.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"cad-bridge/dispatcher"
	"cad-bridge/message"
	"cad-bridge/metrics"
	"cad-bridge/middleware"
	"cad-bridge/queue"
	"cad-bridge/registry"
	"cad-bridge/server"
)

// DefaultJoinTimeout bounds how long Stop waits for the listener goroutines.
const DefaultJoinTimeout = 2 * time.Second

const registryTTL = 10 // seconds

// Surface is the method set the bridge exposes and executes.
type Surface interface {
	dispatcher.Executor
	server.Methods
}

type Config struct {
	Network string // Defaults to "tcp"
	Address string

	Surface     Surface
	Scheduler   dispatcher.Scheduler
	Middlewares []middleware.Middleware
	Listen      server.ListenFunc

	TickInterval time.Duration
	CallTimeout  time.Duration
	JoinTimeout  time.Duration

	// Registry, when set, advertises the running bridge under ServiceName at
	// AdvertiseAddr, or at the bound address when AdvertiseAddr is empty.
	Registry      registry.Registry
	ServiceName   string
	AdvertiseAddr string
	Version       string

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Controller serializes Start and Stop. State, Addr, CanStart and CanStop can be
// read from any goroutine.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex // Serializes transitions
	state   atomic.Int32
	session *session
	addr    atomic.Value // string
}

// session is everything one Start created.
type session struct {
	queue      *queue.Queue
	server     *server.Server
	dispatcher *dispatcher.Dispatcher
	advertised string

	ended    atomic.Bool
	stopping chan struct{} // Closed when an orderly teardown begins
	watched  chan struct{} // Closed when the crash watcher has exited
}

func New(cfg Config) *Controller {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Controller{cfg: cfg, logger: cfg.Logger}
	c.addr.Store("")
	c.setState(Stopped)
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Addr returns the bound address while running, "" otherwise.
func (c *Controller) Addr() string {
	return c.addr.Load().(string)
}

// CanStart reports whether a Start would do anything.
func (c *Controller) CanStart() bool {
	return c.State() == Stopped
}

// CanStop reports whether a Stop would do anything.
func (c *Controller) CanStop() bool {
	return c.State() == Running
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.cfg.Metrics.SetState(int(s))
}

// Start binds the listener and registers the dispatcher with the scheduler.
// It fails with AlreadyRunning, without side effects, unless the controller is
// Stopped, and with StartFailed when binding fails, leaving it Stopped.
func (c *Controller) Start() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != Stopped {
		msg := fmt.Sprintf("RPC server already %s at %s", s, c.Addr())
		return msg, message.Errorf(message.AlreadyRunning, "%s", msg)
	}
	c.setState(Starting)

	q := queue.New()
	srv := server.New(server.Config{
		Methods:     c.cfg.Surface,
		CallTimeout: c.cfg.CallTimeout,
		Listen:      c.cfg.Listen,
		Clock:       c.cfg.Clock,
		Logger:      c.logger.Named("server"),
		Metrics:     c.cfg.Metrics,
	})
	for _, mw := range c.cfg.Middlewares {
		srv.Use(mw)
	}
	if err := srv.Start(c.cfg.Network, c.cfg.Address, q); err != nil {
		q.Close()
		c.setState(Stopped)
		c.logger.Error("start failed", zap.String("addr", c.cfg.Address), zap.Error(err))
		return "Failed to start RPC server: " + err.Error(), message.Errorf(message.StartFailed, "%v", err)
	}

	sess := &session{
		queue:    q,
		server:   srv,
		stopping: make(chan struct{}),
		watched:  make(chan struct{}),
	}
	sess.dispatcher = dispatcher.New(dispatcher.Config{
		Queue:     q,
		Scheduler: c.cfg.Scheduler,
		Executor:  c.cfg.Surface,
		Interval:  c.cfg.TickInterval,
		Active:    func() bool { return !sess.ended.Load() },
		Clock:     c.cfg.Clock,
		Logger:    c.logger.Named("dispatcher"),
		Metrics:   c.cfg.Metrics,
	})
	sess.dispatcher.Start()

	addr := srv.Addr().String()
	c.session = sess
	c.addr.Store(addr)
	c.cfg.Metrics.TrackQueue(q)
	c.advertise(sess, addr)
	c.setState(Running)
	go c.watch(sess)

	c.logger.Info("bridge running", zap.String("addr", addr))
	return "RPC server started at " + addr, nil
}

// advertise registers the session with the registry. Failing to do so leaves
// the bridge reachable by address, so it is only logged.
func (c *Controller) advertise(sess *session, addr string) {
	if c.cfg.Registry == nil {
		return
	}
	advertised := c.cfg.AdvertiseAddr
	if advertised == "" {
		advertised = addr
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.JoinTimeout)
	defer cancel()
	err := c.cfg.Registry.Register(ctx, c.cfg.ServiceName, registry.ServiceInstance{
		Addr:    advertised,
		Weight:  1,
		Version: c.cfg.Version,
	}, registryTTL)
	if err != nil {
		c.logger.Warn("advertising bridge", zap.String("service", c.cfg.ServiceName), zap.Error(err))
		return
	}
	sess.advertised = advertised
}

// Stop closes the listener, releases every queued call with ServerShuttingDown
// and joins the listener goroutines. A join that times out still ends in
// Stopped; the returned message says so.
func (c *Controller) Stop() (string, error) {
	c.mu.Lock()
	if c.State() != Running {
		c.mu.Unlock()
		return "RPC server is not running", message.Errorf(message.NotRunning, "RPC server is not running")
	}
	sess := c.session
	c.setState(Stopping)
	close(sess.stopping)
	msg := c.teardown(sess)
	c.mu.Unlock()

	<-sess.watched
	return msg, nil
}

// teardown dismantles sess and leaves the controller Stopped. c.mu must be held.
func (c *Controller) teardown(sess *session) string {
	if sess.advertised != "" {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.JoinTimeout)
		if err := c.cfg.Registry.Deregister(ctx, c.cfg.ServiceName, sess.advertised); err != nil {
			c.logger.Warn("withdrawing advertisement", zap.Error(err))
		}
		cancel()
	}

	sess.server.Shutdown()
	released := sess.queue.Close()
	joinErr := sess.server.Join(c.cfg.JoinTimeout)
	sess.dispatcher.Cancel()
	sess.ended.Store(true)

	c.session = nil
	c.addr.Store("")
	c.cfg.Metrics.TrackQueue(nil)
	c.setState(Stopped)

	if joinErr != nil {
		c.logger.Error("listener did not stop cleanly",
			zap.Duration("join_timeout", c.cfg.JoinTimeout), zap.Error(joinErr))
		return fmt.Sprintf("RPC server stopped (listener did not exit within %s)", c.cfg.JoinTimeout)
	}
	c.logger.Info("bridge stopped", zap.Int("released", released))
	return "RPC server stopped"
}

// watch tears the session down if its accept loop dies while still Running.
func (c *Controller) watch(sess *session) {
	defer close(sess.watched)
	select {
	case <-sess.stopping:
		return
	case <-sess.server.Dying():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess {
		return
	}
	select {
	case <-sess.stopping:
		return
	default:
	}
	c.logger.Error("listener died, recovering to stopped", zap.Error(sess.server.Err()))
	c.setState(Stopping)
	c.teardown(sess)
}
