package queue

import (
	"sync"

	"cad-bridge/message"
)

// Queue is a FIFO of pending calls guarded by a single mutex. The mutex is held
// only to append or to swap out the backlog, never while a command runs.
type Queue struct {
	mu     sync.Mutex
	items  []*PendingCall
	closed bool
}

// New returns an open, empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends cmd and returns the handle its caller waits on. It fails with
// ServerShuttingDown once the queue has been closed.
func (q *Queue) Enqueue(cmd Command) (*PendingCall, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, message.Errorf(message.ServerShuttingDown, "bridge is stopping, %s was not queued", cmd.Method)
	}
	p := newPendingCall(cmd)
	q.items = append(q.items, p)
	return p, nil
}

// DrainAll removes and returns everything queued, oldest first.
func (q *Queue) DrainAll() []*PendingCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting commands and resolves every queued call with
// ServerShuttingDown. It returns how many calls it resolved and is safe to call
// more than once.
func (q *Queue) Close() int {
	q.mu.Lock()
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	n := 0
	for _, p := range items {
		err := message.Errorf(message.ServerShuttingDown, "bridge stopped before %s ran", p.Command.Method)
		if p.Resolve(Failure(p.Command.ID, err)) {
			n++
		}
	}
	return n
}
