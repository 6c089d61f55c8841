package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cad-bridge/message"
	"cad-bridge/queue"
)

// manualScheduler collects callbacks and runs them when the test says so.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*func()
}

func (s *manualScheduler) AfterFunc(_ time.Duration, fn func()) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &fn
	s.pending = append(s.pending, entry)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, p := range s.pending {
			if p == entry {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				return true
			}
		}
		return false
	}
}

func (s *manualScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// fire runs the callbacks scheduled so far, like one pass of an event loop.
func (s *manualScheduler) fire() {
	s.mu.Lock()
	due := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range due {
		(*fn)()
	}
}

type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *recorder) Execute(cmd queue.Command) (any, error) {
	r.mu.Lock()
	r.ran = append(r.ran, cmd.Method)
	r.mu.Unlock()
	switch cmd.Method {
	case "boom":
		panic("geometry kernel exploded")
	case "bad":
		return nil, errors.New("document 'Missing' not found")
	case "invalid":
		return nil, message.Errorf(message.InvalidArguments, "argument 0 must be a string")
	case "throttled":
		return nil, message.Errorf(message.RateLimited, "host API quota exceeded")
	case "closing":
		return nil, message.Errorf(message.ServerShuttingDown, "document is closing")
	case "unencodable":
		return make(chan int), nil
	}
	return map[string]any{"success": true, "method": cmd.Method}, nil
}

func (r *recorder) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func enqueue(t *testing.T, q *queue.Queue, methods ...string) []*queue.PendingCall {
	t.Helper()
	var calls []*queue.PendingCall
	for _, m := range methods {
		p, err := q.Enqueue(queue.NewCommand(m, nil, time.Now()))
		require.NoError(t, err)
		calls = append(calls, p)
	}
	return calls
}

func TestTickRunsInEnqueueOrder(t *testing.T) {
	q := queue.New()
	rec := &recorder{}
	d := New(Config{Queue: q, Scheduler: &manualScheduler{}, Executor: rec, Logger: zaptest.NewLogger(t)})

	calls := enqueue(t, q, "c1", "c2", "c3")
	assert.Equal(t, 3, d.Tick())
	assert.Equal(t, []string{"c1", "c2", "c3"}, rec.methods())

	for _, p := range calls {
		r := p.Result()
		require.Equal(t, queue.StatusOK, r.Status)
		var body map[string]any
		require.NoError(t, json.Unmarshal(r.Payload, &body))
		assert.Equal(t, p.Command.Method, body["method"])
	}
}

func TestFaultIsolatedToItsCommand(t *testing.T) {
	q := queue.New()
	rec := &recorder{}
	d := New(Config{Queue: q, Scheduler: &manualScheduler{}, Executor: rec, Logger: zaptest.NewLogger(t)})

	calls := enqueue(t, q, "boom", "after", "bad", "invalid", "unencodable", "last")
	assert.Equal(t, 6, d.Tick())

	boom := calls[0].Result()
	assert.Equal(t, message.ExecutionFailed, boom.Kind)
	assert.Contains(t, boom.Error, "geometry kernel exploded")

	assert.Equal(t, queue.StatusOK, calls[1].Result().Status)

	bad := calls[2].Result()
	assert.Equal(t, message.ExecutionFailed, bad.Kind)
	assert.Equal(t, "document 'Missing' not found", bad.Error)

	assert.Equal(t, message.InvalidArguments, calls[3].Result().Kind)
	assert.Equal(t, message.ExecutionFailed, calls[4].Result().Kind)
	assert.Equal(t, queue.StatusOK, calls[5].Result().Status)
}

func TestExecutorKindsBecomeExecutionFailed(t *testing.T) {
	q := queue.New()
	rec := &recorder{}
	d := New(Config{Queue: q, Scheduler: &manualScheduler{}, Executor: rec, Logger: zaptest.NewLogger(t)})

	calls := enqueue(t, q, "throttled", "closing", "invalid")
	assert.Equal(t, 3, d.Tick())

	throttled := calls[0].Result()
	assert.Equal(t, message.ExecutionFailed, throttled.Kind)
	assert.Equal(t, "host API quota exceeded", throttled.Error)

	closing := calls[1].Result()
	assert.Equal(t, message.ExecutionFailed, closing.Kind)
	assert.Equal(t, "document is closing", closing.Error)

	assert.Equal(t, message.InvalidArguments, calls[2].Result().Kind)
}

func TestAbandonedCallIsNotExecuted(t *testing.T) {
	q := queue.New()
	rec := &recorder{}
	d := New(Config{Queue: q, Scheduler: &manualScheduler{}, Executor: rec})

	calls := enqueue(t, q, "slow_caller", "patient_caller")
	require.True(t, calls[0].Abandon("gave up"))

	assert.Equal(t, 1, d.Tick())
	assert.Equal(t, []string{"patient_caller"}, rec.methods())
	assert.Equal(t, message.Timeout, calls[0].Result().Kind)
}

func TestReschedulesOnlyWhileActive(t *testing.T) {
	q := queue.New()
	sched := &manualScheduler{}
	var active atomic.Bool
	active.Store(true)
	d := New(Config{Queue: q, Scheduler: sched, Executor: &recorder{}, Active: active.Load})

	d.Start()
	require.Equal(t, 1, sched.count())

	sched.fire()
	require.Equal(t, 1, sched.count(), "an active dispatcher reschedules after each tick")

	calls := enqueue(t, q, "final")
	active.Store(false)
	sched.fire()
	assert.Equal(t, queue.StatusOK, calls[0].Result().Status, "the last tick still drains")
	assert.Equal(t, 0, sched.count(), "an inactive dispatcher stops rescheduling")
}

func TestCancelStopsTicking(t *testing.T) {
	q := queue.New()
	sched := &manualScheduler{}
	rec := &recorder{}
	d := New(Config{Queue: q, Scheduler: sched, Executor: rec})

	d.Start()
	require.Equal(t, 1, sched.count())
	d.Cancel()
	assert.True(t, d.Cancelled())
	assert.Equal(t, 0, sched.count(), "Cancel removes the pending tick")

	// A callback that already escaped the scheduler does nothing.
	enqueue(t, q, "late")
	d.tick()
	assert.Empty(t, rec.methods())
	assert.Equal(t, 0, sched.count())
}

func TestDispatcherOnEventLoop(t *testing.T) {
	loop := NewEventLoop(nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	defer func() {
		cancel()
		<-loop.Done()
	}()

	q := queue.New()
	var inFlight, overlaps atomic.Int32
	exec := ExecutorFunc(func(cmd queue.Command) (any, error) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return cmd.Method, nil
	})
	d := New(Config{Queue: q, Scheduler: loop, Executor: exec, Interval: 5 * time.Millisecond})
	d.Start()
	defer d.Cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := q.Enqueue(queue.NewCommand("ping", nil, time.Now()))
			if !assert.NoError(t, err) {
				return
			}
			waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer waitCancel()
			r, err := p.Wait(waitCtx)
			if assert.NoError(t, err) {
				assert.JSONEq(t, `"ping"`, string(r.Payload))
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load(), "commands must never run concurrently")
}
