// Package dispatcher drains the command queue on the owning thread.
//
// The dispatcher is a self-rescheduling single-shot timer on the owning
// thread's Scheduler. Each tick takes everything queued, runs it in FIFO order
// and resolves every pending call:
//
//	tick → DrainAll → for each call: Claim → Execute → marshal payload → Resolve
//	     → reschedule while active
//
// A failing or panicking command becomes an ExecutionFailed result for that
// command only; the tick carries on with the next one.
package dispatcher

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"cad-bridge/message"
	"cad-bridge/metrics"
	"cad-bridge/queue"
)

// DefaultInterval is the pause between two ticks.
const DefaultInterval = 100 * time.Millisecond

// Executor performs one command against the application state. It is only ever
// called on the owning thread.
type Executor interface {
	Execute(cmd queue.Command) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(cmd queue.Command) (any, error)

func (f ExecutorFunc) Execute(cmd queue.Command) (any, error) {
	return f(cmd)
}

// Config wires a Dispatcher to its queue and owning thread.
type Config struct {
	Queue     *queue.Queue
	Scheduler Scheduler
	Executor  Executor
	Interval  time.Duration
	// Active reports whether the dispatcher should keep rescheduling. The
	// lifecycle controller answers true while the server is starting, running
	// or stopping.
	Active  func() bool
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Dispatcher struct {
	queue    *queue.Queue
	sched    Scheduler
	exec     Executor
	interval time.Duration
	active   func() bool
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	cancelled atomic.Bool
	mu        sync.Mutex // guards timer
	timer     Cancel
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		queue:    cfg.Queue,
		sched:    cfg.Scheduler,
		exec:     cfg.Executor,
		interval: cfg.Interval,
		active:   cfg.Active,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if d.interval <= 0 {
		d.interval = DefaultInterval
	}
	if d.active == nil {
		d.active = func() bool { return true }
	}
	if d.clock == nil {
		d.clock = clock.WallClock
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// Start registers the first tick with the scheduler.
func (d *Dispatcher) Start() {
	d.schedule()
}

// Cancel stops the dispatcher from ticking again. A tick already running
// finishes its batch.
func (d *Dispatcher) Cancel() {
	d.cancelled.Store(true)
	d.mu.Lock()
	timer := d.timer
	d.timer = nil
	d.mu.Unlock()
	if timer != nil {
		timer()
	}
}

// Cancelled reports whether Cancel has been called.
func (d *Dispatcher) Cancelled() bool {
	return d.cancelled.Load()
}

func (d *Dispatcher) schedule() {
	if d.cancelled.Load() || !d.active() {
		return
	}
	timer := d.sched.AfterFunc(d.interval, d.tick)
	d.mu.Lock()
	d.timer = timer
	d.mu.Unlock()
}

func (d *Dispatcher) tick() {
	if d.cancelled.Load() {
		return
	}
	d.Tick()
	d.schedule()
}

// Tick drains the queue and executes everything in it on the calling thread,
// which must be the owning thread. It returns the number of commands executed.
func (d *Dispatcher) Tick() int {
	calls := d.queue.DrainAll()
	ran := 0
	for _, p := range calls {
		if d.execute(p) {
			ran++
		}
	}
	return ran
}

func (d *Dispatcher) execute(p *queue.PendingCall) bool {
	cmd := p.Command
	if !p.Claim() {
		d.logger.Debug("skipping command abandoned by its caller",
			zap.String("method", cmd.Method), zap.String("id", cmd.ID))
		return false
	}

	start := d.clock.Now()
	result := d.run(cmd)
	took := d.clock.Now().Sub(start)
	d.metrics.CommandExecuted(cmd.Method, result.Status.String(), took)

	if result.Status != queue.StatusOK {
		d.logger.Info("command failed",
			zap.String("method", cmd.Method),
			zap.String("id", cmd.ID),
			zap.String("kind", string(result.Kind)),
			zap.String("error", result.Error))
	}
	if !p.Resolve(result) {
		d.logger.Warn("command already resolved, dropping result",
			zap.String("method", cmd.Method), zap.String("id", cmd.ID))
	}
	return true
}

// run executes one command, turning errors and panics into a failed Result.
func (d *Dispatcher) run(cmd queue.Command) (result queue.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = queue.Failure(cmd.ID, message.Errorf(message.ExecutionFailed, "%s panicked: %v", cmd.Method, r))
		}
	}()

	value, err := d.exec.Execute(cmd)
	if err != nil {
		return queue.Failure(cmd.ID, commandError(err))
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return queue.Failure(cmd.ID, message.Errorf(message.ExecutionFailed, "encoding %s result: %v", cmd.Method, err))
	}
	return queue.Success(cmd.ID, payload)
}

// commandError maps an executor error onto the kinds a command may end with:
// InvalidArguments, or ExecutionFailed with the message kept.
func commandError(err error) *message.Error {
	e := message.AsError(err)
	switch e.Kind {
	case message.ExecutionFailed, message.InvalidArguments:
		return e
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	return &message.Error{Kind: message.ExecutionFailed, Message: msg}
}
