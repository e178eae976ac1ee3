// Package dispatch maps transactions to ordering queues so that every
// operation of one transaction runs in arrival order no matter which
// goroutine delivered it.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/fapgate/internal/sparse"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/fapgate/internal/txn"
	"pkt.systems/pslog"
)

type localEntry struct {
	queue *Queue
	// retired is set once the transaction completed while tasks were still
	// queued behind it.
	retired bool
}

// globalEntry has no branches once retired.
type globalEntry struct {
	queue    *Queue
	branches map[txn.XID]struct{}
}

// Config configures a Map.
type Config struct {
	Link   string
	Logger pslog.Logger
}

// Map holds one queue per local transaction and one shared queue per global
// resource entry, reference counted by branch. A queue released while tasks
// are still pending stays registered, retired, until it drains, so a task
// that re-registers the id inherits the queue and keeps arrival order.
type Map struct {
	logger  pslog.Logger
	metrics *mapMetrics

	mu     sync.Mutex
	local  *sparse.Table[*localEntry]
	global *sparse.Table[*globalEntry]
}

// NewMap returns an empty Map.
func NewMap(cfg Config) *Map {
	logger := svcfields.WithLink(svcfields.WithSubsystem(cfg.Logger, "fap.dispatch"), cfg.Link)
	return &Map{
		logger:  logger,
		metrics: newMapMetrics(logger),
		local:   sparse.New[*localEntry](8),
		global:  sparse.New[*globalEntry](4),
	}
}

// AddLocal creates the queue of local transaction id. A retired queue
// registered under id is taken over instead.
func (m *Map) AddLocal(id int) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ge, ok := m.global.Get(id); ok {
		if len(ge.branches) > 0 {
			return nil, fmt.Errorf("dispatch: id %d already used by a global transaction", id)
		}
		_, _ = m.global.Remove(id)
		_ = m.local.Put(id, &localEntry{queue: ge.queue})
		m.metrics.recordQueues(context.Background(), "global", -1)
		m.metrics.recordQueues(context.Background(), "local", 1)
		return ge.queue, nil
	}
	if le, ok := m.local.Get(id); ok {
		if !le.retired {
			return nil, fmt.Errorf("dispatch: add local: id %d already has a live queue", id)
		}
		le.retired = false
		return le.queue, nil
	}
	q := newQueue()
	if err := m.local.Put(id, &localEntry{queue: q}); err != nil {
		return nil, fmt.Errorf("dispatch: add local: %w", err)
	}
	m.metrics.recordQueues(context.Background(), "local", 1)
	return q, nil
}

// AddEnlistedGlobal returns the queue of resource entry id, creating it on
// first use. Every branch of one resource shares the queue.
func (m *Map) AddEnlistedGlobal(id int, xid txn.XID) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	ge, ok := m.global.Get(id)
	if !ok {
		ge = &globalEntry{branches: make(map[txn.XID]struct{})}
		if le, ok := m.local.Get(id); ok && le.retired {
			_, _ = m.local.Remove(id)
			m.metrics.recordQueues(context.Background(), "local", -1)
			ge.queue = le.queue
		} else {
			ge.queue = newQueue()
		}
		_ = m.global.Put(id, ge)
		m.metrics.recordQueues(context.Background(), "global", 1)
	}
	ge.branches[xid] = struct{}{}
	return ge.queue
}

// Get returns the queue of id, retired or not.
func (m *Map) Get(id int) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(id)
	return q, q != nil
}

// Submit appends fn to the queue of id. It reports false, without running
// fn, when id has no queue.
func (m *Map) Submit(id int, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(id)
	if q == nil {
		return false
	}
	q.Submit(fn)
	return true
}

// Branches returns the number of branches sharing the queue of id.
func (m *Map) Branches(id int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ge, ok := m.global.Get(id); ok {
		return len(ge.branches)
	}
	return 0
}

// RemoveLocal drops the queue of local transaction id. A queue with pending
// tasks is retired instead and dropped by Release once drained.
func (m *Map) RemoveLocal(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	le, ok := m.local.Get(id)
	if !ok || le.retired {
		return false
	}
	if le.queue.Pending() > 0 {
		le.retired = true
		return true
	}
	_, _ = m.local.Remove(id)
	m.metrics.recordQueues(context.Background(), "local", -1)
	return true
}

// RemoveGlobal releases branch xid of resource entry id. The queue is
// discarded when its last branch is released and nothing is pending on it.
func (m *Map) RemoveGlobal(id int, xid txn.XID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ge, ok := m.global.Get(id)
	if !ok {
		return false
	}
	if _, ok := ge.branches[xid]; !ok {
		return false
	}
	delete(ge.branches, xid)
	if len(ge.branches) == 0 && ge.queue.Pending() == 0 {
		_, _ = m.global.Remove(id)
		m.metrics.recordQueues(context.Background(), "global", -1)
	}
	return true
}

// Release drops the queue of id when it is retired and has nothing pending.
// Tasks call it once they finish.
func (m *Map) Release(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if le, ok := m.local.Get(id); ok && le.retired && le.queue.Pending() == 0 {
		_, _ = m.local.Remove(id)
		m.metrics.recordQueues(context.Background(), "local", -1)
	}
	if ge, ok := m.global.Get(id); ok && len(ge.branches) == 0 && ge.queue.Pending() == 0 {
		_, _ = m.global.Remove(id)
		m.metrics.recordQueues(context.Background(), "global", -1)
	}
}

// RemoveAllForTransaction drops every queue registered under id.
func (m *Map) RemoveAllForTransaction(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.local.Remove(id); err == nil {
		m.metrics.recordQueues(context.Background(), "local", -1)
	}
	if _, err := m.global.Remove(id); err == nil {
		m.metrics.recordQueues(context.Background(), "global", -1)
	}
}

func (m *Map) queueLocked(id int) *Queue {
	if le, ok := m.local.Get(id); ok {
		return le.queue
	}
	if ge, ok := m.global.Get(id); ok {
		return ge.queue
	}
	return nil
}

// Len returns the number of live queues.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.Len() + m.global.Len()
}

// Wait blocks until every live queue is idle.
func (m *Map) Wait(ctx context.Context) error {
	m.mu.Lock()
	queues := make([]*Queue, 0, m.local.Len()+m.global.Len())
	m.local.Range(func(_ int, le *localEntry) bool {
		queues = append(queues, le.queue)
		return true
	})
	m.global.Range(func(_ int, ge *globalEntry) bool {
		queues = append(queues, ge.queue)
		return true
	})
	m.mu.Unlock()
	for _, q := range queues {
		if err := q.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

var _ txn.DispatchRemover = (*Map)(nil)
