package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
)

var queueSeq atomic.Uint64

// Queue runs submitted tasks one at a time in submission order. Tasks run
// on a goroutine owned by the queue while work is pending.
type Queue struct {
	id uint64

	mu      sync.Mutex
	pending []func()
	running bool
	idle    chan struct{}
}

func newQueue() *Queue {
	q := &Queue{id: queueSeq.Add(1), idle: make(chan struct{})}
	close(q.idle)
	return q
}

// ID returns a process-unique identifier for logs.
func (q *Queue) ID() uint64 {
	return q.id
}

// Submit appends fn to the queue.
func (q *Queue) Submit(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.idle = make(chan struct{})
	q.mu.Unlock()
	go q.drain()
}

// Pending returns the number of tasks not yet started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until every submitted task has finished or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}
