package dispatcher

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// ErrLoopStopped is returned when work is handed to an event loop that has exited.
const ErrLoopStopped = errors.ConstError("event loop stopped")

// Cancel stops a scheduled callback. It reports whether the callback was
// stopped before it fired.
type Cancel func() bool

// Scheduler is the owning thread's task scheduler. AfterFunc runs fn once, on
// the owning thread, after d has elapsed. Any single-threaded event loop can
// implement it; a GUI toolkit would map it onto its single-shot timer.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Cancel
}

// EventLoop is a Scheduler whose owning thread is whichever goroutine calls Run.
// Run pins that goroutine to its OS thread, so toolkits with thread affinity can
// be driven from it. Tasks run one at a time in the order they were posted.
type EventLoop struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []func()
	running bool
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewEventLoop returns a loop that is ready to Run.
func NewEventLoop(clk clock.Clock, logger *zap.Logger) *EventLoop {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLoop{
		clock:  clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run executes posted tasks on the calling goroutine until ctx is cancelled.
// A loop runs at most once; tasks posted after it returns are refused.
func (l *EventLoop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return errors.New("event loop already ran")
	}
	l.running = true
	l.mu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.tasks = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return nil
			}
			l.runTask(fn)
		}
	}
}

// runTask keeps a faulty task from taking the loop down with it.
func (l *EventLoop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Post queues fn to run on the loop. It returns ErrLoopStopped once Run has exited.
func (l *EventLoop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// AfterFunc implements Scheduler.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Cancel {
	t := l.clock.AfterFunc(d, func() {
		if err := l.Post(fn); err != nil {
			l.logger.Debug("dropping timer callback", zap.Error(err))
		}
	})
	return t.Stop
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from a task already running on the loop.
func (l *EventLoop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run fn just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after Run returns.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}
