// Package engine provides an in-memory transaction capability: local
// transactions and an XA resource manager with the standard branch state
// machine. Nothing is persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/fapgate/internal/txn"
	"pkt.systems/pslog"
)

var (
	// ErrProtocol is returned for operations not valid in the current state.
	ErrProtocol = errors.New("engine: protocol error")
	// ErrUnknownXID is returned for branches the resource manager never saw.
	ErrUnknownXID = errors.New("engine: unknown xid")
	// ErrRolledBack is returned when a rollback-only branch is asked to
	// prepare or commit; the branch has been rolled back.
	ErrRolledBack = errors.New("engine: branch rolled back")
	// ErrDuplicateXID is returned when starting a branch that already exists.
	ErrDuplicateXID = errors.New("engine: duplicate xid")
)

// BranchState is the XA state of one branch.
type BranchState string

const (
	BranchActive       BranchState = "active"
	BranchSuspended    BranchState = "suspended"
	BranchIdle         BranchState = "idle"
	BranchRollbackOnly BranchState = "rollback_only"
	BranchPrepared     BranchState = "prepared"
)

// Config configures a Memory engine.
type Config struct {
	Logger pslog.Logger
}

// Memory is the in-memory transaction capability shared by every link.
type Memory struct {
	logger pslog.Logger
	seq    atomic.Uint64

	mu       sync.Mutex
	branches map[txn.XID]BranchState

	committed  atomic.Int64
	rolledBack atomic.Int64
}

// NewMemory returns an empty engine.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		logger:   svcfields.WithSubsystem(cfg.Logger, "fap.engine"),
		branches: make(map[txn.XID]BranchState),
	}
}

// NewLocalTransaction begins a local transaction.
func (m *Memory) NewLocalTransaction(context.Context) (txn.LocalTransaction, error) {
	return &localTransaction{engine: m, id: m.seq.Add(1)}, nil
}

// ResourceManager returns the XA resource manager.
func (m *Memory) ResourceManager(context.Context) (txn.ResourceManager, error) {
	return (*resourceManager)(m), nil
}

// BranchState returns the state of xid.
func (m *Memory) BranchState(xid txn.XID) (BranchState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.branches[xid]
	return st, ok
}

// Stats returns the number of completed commits and rollbacks.
func (m *Memory) Stats() (committed, rolledBack int64) {
	return m.committed.Load(), m.rolledBack.Load()
}

type localState uint8

const (
	localActive localState = iota
	localCommitted
	localRolledBack
)

type localTransaction struct {
	engine *Memory
	id     uint64

	mu    sync.Mutex
	state localState
}

func (t *localTransaction) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != localActive {
		return fmt.Errorf("%w: local transaction %d already completed", ErrProtocol, t.id)
	}
	t.state = localCommitted
	t.engine.committed.Add(1)
	return nil
}

func (t *localTransaction) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != localActive {
		return fmt.Errorf("%w: local transaction %d already completed", ErrProtocol, t.id)
	}
	t.state = localRolledBack
	t.engine.rolledBack.Add(1)
	return nil
}

type resourceManager Memory

func (r *resourceManager) Start(_ context.Context, xid txn.XID, flags txn.Flags) error {
	if err := xid.Validate(); err != nil {
		return err
	}
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.branches[xid]
	switch {
	case flags.Has(txn.TMJOIN):
		if !ok || (st != BranchActive && st != BranchIdle) {
			return fmt.Errorf("%w: join %s in state %s", ErrProtocol, xid, st)
		}
	case flags.Has(txn.TMRESUME):
		if !ok || st != BranchSuspended {
			return fmt.Errorf("%w: resume %s in state %s", ErrProtocol, xid, st)
		}
	default:
		if ok {
			return fmt.Errorf("%w: %s", ErrDuplicateXID, xid)
		}
	}
	m.branches[xid] = BranchActive
	return nil
}

func (r *resourceManager) End(_ context.Context, xid txn.XID, flags txn.Flags) error {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.branches[xid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownXID, xid)
	}
	if st != BranchActive && st != BranchSuspended {
		return fmt.Errorf("%w: end %s in state %s", ErrProtocol, xid, st)
	}
	switch {
	case flags.Has(txn.TMFAIL):
		m.branches[xid] = BranchRollbackOnly
	case flags.Has(txn.TMSUSPEND):
		m.branches[xid] = BranchSuspended
	default:
		m.branches[xid] = BranchIdle
	}
	return nil
}

func (r *resourceManager) Prepare(_ context.Context, xid txn.XID) (txn.Vote, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.branches[xid]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownXID, xid)
	}
	switch st {
	case BranchIdle:
		m.branches[xid] = BranchPrepared
		return txn.VoteCommit, nil
	case BranchRollbackOnly:
		delete(m.branches, xid)
		m.rolledBack.Add(1)
		m.logger.Debug("fap.engine.branch.rolled_back", "xid", xid.String(), "op", "prepare")
		return 0, fmt.Errorf("%w: %s", ErrRolledBack, xid)
	default:
		return 0, fmt.Errorf("%w: prepare %s in state %s", ErrProtocol, xid, st)
	}
}

func (r *resourceManager) Commit(_ context.Context, xid txn.XID, onePhase bool) error {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.branches[xid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownXID, xid)
	}
	switch {
	case st == BranchRollbackOnly:
		delete(m.branches, xid)
		m.rolledBack.Add(1)
		return fmt.Errorf("%w: %s", ErrRolledBack, xid)
	case onePhase && st == BranchIdle, !onePhase && st == BranchPrepared:
		delete(m.branches, xid)
		m.committed.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: commit(onePhase=%t) %s in state %s", ErrProtocol, onePhase, xid, st)
	}
}

func (r *resourceManager) Rollback(_ context.Context, xid txn.XID) error {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[xid]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownXID, xid)
	}
	delete(m.branches, xid)
	m.rolledBack.Add(1)
	return nil
}

// Forget always fails: this engine never completes a branch heuristically.
func (r *resourceManager) Forget(_ context.Context, xid txn.XID) error {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[xid]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownXID, xid)
	}
	return fmt.Errorf("%w: %s was not heuristically completed", ErrProtocol, xid)
}

// Recover returns the prepared branches in a stable order.
func (r *resourceManager) Recover(_ context.Context, _ txn.Flags) ([]txn.XID, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]txn.XID, 0, len(m.branches))
	for xid, st := range m.branches {
		if st == BranchPrepared {
			out = append(out, xid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
