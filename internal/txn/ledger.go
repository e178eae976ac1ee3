// Package txn implements the transaction ledger: a link-scoped table that
// maps peer-chosen transaction ids to local transactions or global
// transaction resource entries, with a reverse index used to clean up after a
// conversation goes away.
package txn

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/fapgate/internal/sparse"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// NoTransactionID is the id peers send when an operation is not transacted.
const NoTransactionID = 0

// Kind distinguishes the two ledger entry variants.
type Kind uint8

const (
	KindNone Kind = iota
	KindLocal
	KindGlobal
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindGlobal:
		return "global"
	default:
		return "none"
	}
}

// Ref is the result of a ledger lookup. The zero Ref means no transaction.
type Ref struct {
	ID       int
	Kind     Kind
	Local    LocalTransaction
	Resource ResourceManager
}

// IsZero reports whether r refers to no transaction.
func (r Ref) IsZero() bool {
	return r.Kind == KindNone
}

// RollbackOnly is the rollback-only state of a local transaction or branch.
type RollbackOnly struct {
	Marked bool
	Cause  error
}

// DispatchRemover drops the dispatch ordering state of a transaction.
type DispatchRemover interface {
	RemoveAllForTransaction(id int)
}

type entry interface {
	owner() uint64
	kind() Kind
}

type localEntry struct {
	conv         uint64
	tx           LocalTransaction
	rollbackOnly bool
	cause        error
}

func (e *localEntry) owner() uint64 { return e.conv }
func (*localEntry) kind() Kind      { return KindLocal }

type branch struct {
	xid          XID
	rollbackOnly bool
	cause        error
}

type resourceEntry struct {
	conv      uint64
	rm        ResourceManager
	optimized bool
	enlisted  *branch
	inDoubt   map[XID]*branch
}

func (e *resourceEntry) owner() uint64 { return e.conv }
func (*resourceEntry) kind() Kind      { return KindGlobal }

func (e *resourceEntry) branch(xid XID) *branch {
	if e.enlisted != nil && e.enlisted.xid == xid {
		return e.enlisted
	}
	return e.inDoubt[xid]
}

func (e *resourceEntry) empty() bool {
	return e.enlisted == nil && len(e.inDoubt) == 0
}

// Config configures a Ledger.
type Config struct {
	// Link labels the owning link in logs.
	Link   string
	Logger pslog.Logger
}

// Ledger is the transaction table of one link. All operations are
// serialised by a single mutex; calls into transaction capabilities are made
// outside it.
type Ledger struct {
	logger  pslog.Logger
	metrics *ledgerMetrics

	mu      sync.Mutex
	entries *sparse.Table[entry]
	owners  map[uint64]map[int]struct{}
}

// New returns an empty Ledger.
func New(cfg Config) *Ledger {
	logger := svcfields.WithLink(svcfields.WithSubsystem(cfg.Logger, "fap.txn"), cfg.Link)
	return &Ledger{
		logger:  logger,
		metrics: newLedgerMetrics(logger),
		entries: sparse.New[entry](8),
		owners:  make(map[uint64]map[int]struct{}),
	}
}

// AddLocalTransaction registers tx under id for conversation convID. Unless
// tx is InvalidTransaction the id is indexed under convID for bulk cleanup.
func (l *Ledger) AddLocalTransaction(id int, convID uint64, tx LocalTransaction) error {
	if tx == nil {
		tx = InvalidTransaction
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == NoTransactionID {
		return l.invariant("add_local", id, XID{}, "reserved transaction id")
	}
	if err := l.entries.Put(id, &localEntry{conv: convID, tx: tx}); err != nil {
		return l.invariant("add_local", id, XID{}, "id already registered")
	}
	if tx != InvalidTransaction {
		l.associateLocked(convID, id)
	}
	l.metrics.recordRegistered(context.Background(), KindLocal)
	l.logger.Debug("fap.txn.registered", svcfields.TransactionKey, id, "kind", KindLocal.String(), "conv", convID)
	return nil
}

// AddGlobalTransactionBranch enlists xid under id. The resource entry is
// created on first use and indexed under convID.
func (l *Ledger) AddGlobalTransactionBranch(id int, convID uint64, rm ResourceManager, xid XID, optimized bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == NoTransactionID {
		return l.invariant("add_global", id, xid, "reserved transaction id")
	}
	var re *resourceEntry
	existing, ok := l.entries.Get(id)
	if ok {
		switch e := existing.(type) {
		case *resourceEntry:
			re = e
		case *localEntry:
			return l.invariant("add_global", id, xid, "id maps to a local transaction")
		}
		if re.enlisted != nil {
			return l.invariant("add_global", id, xid, "branch "+re.enlisted.xid.String()+" still enlisted")
		}
		if _, doubt := re.inDoubt[xid]; doubt {
			return l.invariant("add_global", id, xid, "branch already in doubt")
		}
	} else {
		if rm == nil {
			return l.invariant("add_global", id, xid, "nil resource manager")
		}
		re = &resourceEntry{conv: convID, rm: rm, optimized: optimized, inDoubt: make(map[XID]*branch)}
		_ = l.entries.Put(id, re)
		l.associateLocked(convID, id)
		l.metrics.recordRegistered(context.Background(), KindGlobal)
	}
	re.enlisted = &branch{xid: xid}
	l.logger.Debug("fap.txn.enlisted", svcfields.TransactionKey, id, "xid", xid.String(), "optimized", optimized, "conv", convID)
	return nil
}

// Lookup returns the transaction registered under id. NoTransactionID
// always yields the zero Ref. An absent id is an invariant violation unless
// tolerateAbsence is set.
func (l *Ledger) Lookup(id int, tolerateAbsence bool) (Ref, error) {
	if id == NoTransactionID {
		return Ref{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries.Get(id)
	if !ok {
		if tolerateAbsence {
			return Ref{}, nil
		}
		return Ref{}, l.invariant("get", id, XID{}, "unknown transaction id")
	}
	switch e := e.(type) {
	case *localEntry:
		return Ref{ID: id, Kind: KindLocal, Local: e.tx}, nil
	case *resourceEntry:
		return Ref{ID: id, Kind: KindGlobal, Resource: e.rm}, nil
	}
	return Ref{}, nil
}

// Get is Lookup with absence treated as an invariant violation.
func (l *Ledger) Get(id int) (Ref, error) {
	return l.Lookup(id, false)
}

// Contains reports whether id is registered.
func (l *Ledger) Contains(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Contains(id)
}

// Len returns the number of registered ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// ResourceForBranch returns the resource manager of id only while xid is
// enlisted or in doubt on it.
func (l *Ledger) ResourceForBranch(id int, xid XID) (ResourceManager, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries.Get(id)
	if !ok {
		return nil, false
	}
	re, ok := e.(*resourceEntry)
	if !ok || re.branch(xid) == nil {
		return nil, false
	}
	return re.rm, true
}

// RemoveLocalTransaction drops the local transaction registered under id.
func (l *Ledger) RemoveLocalTransaction(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	le, err := l.localLocked("remove_local", id)
	if err != nil {
		return err
	}
	_, _ = l.entries.Remove(id)
	if le.tx != InvalidTransaction {
		l.disassociateLocked(le.conv, id)
	}
	l.metrics.recordRemoved(context.Background(), KindLocal)
	l.logger.Debug("fap.txn.removed", svcfields.TransactionKey, id, "kind", KindLocal.String())
	return nil
}

// RemoveGlobalTransactionBranch marks xid complete. The entry is removed once
// no branch is enlisted or in doubt.
func (l *Ledger) RemoveGlobalTransactionBranch(id int, xid XID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	re, err := l.resourceLocked("remove_global", id)
	if err != nil {
		return err
	}
	switch {
	case re.enlisted != nil && re.enlisted.xid == xid:
		re.enlisted = nil
	case re.inDoubt[xid] != nil:
		delete(re.inDoubt, xid)
	default:
		return l.invariant("remove_global", id, xid, "branch not enlisted or in doubt")
	}
	if re.empty() {
		_, _ = l.entries.Remove(id)
		l.disassociateLocked(re.conv, id)
		l.metrics.recordRemoved(context.Background(), KindGlobal)
		l.logger.Debug("fap.txn.removed", svcfields.TransactionKey, id, "kind", KindGlobal.String(), "xid", xid.String())
	}
	return nil
}

// EndGlobalTransactionBranch moves the enlisted branch xid into the in-doubt
// set without resolving it.
func (l *Ledger) EndGlobalTransactionBranch(id int, xid XID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	re, err := l.resourceLocked("end_global", id)
	if err != nil {
		return err
	}
	if re.enlisted == nil || re.enlisted.xid != xid {
		return l.invariant("end_global", id, xid, "branch not enlisted")
	}
	re.inDoubt[xid] = re.enlisted
	re.enlisted = nil
	return nil
}

// EndOptimizedGlobalTransactionBranch ends the enlisted branch of id on its
// resource manager and moves it into the in-doubt set. A resource manager
// failure marks the branch rollback-only and is returned; the branch is in
// doubt either way.
func (l *Ledger) EndOptimizedGlobalTransactionBranch(ctx context.Context, id int, flags Flags) error {
	l.mu.Lock()
	re, err := l.resourceLocked("end_optimized", id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if re.enlisted == nil {
		l.mu.Unlock()
		return l.invariant("end_optimized", id, XID{}, "no branch enlisted")
	}
	b := re.enlisted
	rm := re.rm
	l.mu.Unlock()

	endErr := rm.End(ctx, b.xid, flags)

	l.mu.Lock()
	defer l.mu.Unlock()
	if endErr != nil {
		b.rollbackOnly = true
		b.cause = endErr
		l.logger.Warn("fap.txn.end.failed", svcfields.TransactionKey, id, "xid", b.xid.String(), "flags", flags.String(), "error", endErr)
	}
	if re.enlisted == b {
		re.enlisted = nil
		re.inDoubt[b.xid] = b
	}
	return endErr
}

// MarkAsRollbackOnly attaches cause to the local transaction or to the
// enlisted branch of id. For local transactions the first cause wins.
func (l *Ledger) MarkAsRollbackOnly(id int, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries.Get(id)
	if !ok {
		return l.invariant("mark_rollback_only", id, XID{}, "unknown transaction id")
	}
	switch e := e.(type) {
	case *localEntry:
		if !e.rollbackOnly {
			e.rollbackOnly = true
			e.cause = cause
		}
	case *resourceEntry:
		if e.enlisted == nil {
			return l.invariant("mark_rollback_only", id, XID{}, "no branch enlisted")
		}
		e.enlisted.rollbackOnly = true
		e.enlisted.cause = cause
	}
	return nil
}

// IsRollbackOnly reports whether the local transaction id is rollback-only.
func (l *Ledger) IsRollbackOnly(id int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	le, err := l.localLocked("is_rollback_only", id)
	if err != nil {
		return false, err
	}
	return le.rollbackOnly, nil
}

// RollbackOnlyCause returns the rollback-only state of the local
// transaction id.
func (l *Ledger) RollbackOnlyCause(id int) (RollbackOnly, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	le, err := l.localLocked("rollback_only_cause", id)
	if err != nil {
		return RollbackOnly{}, err
	}
	return RollbackOnly{Marked: le.rollbackOnly, Cause: le.cause}, nil
}

// MarkBranchRollbackOnly attaches cause to branch xid of id, enlisted or in
// doubt. The first cause wins.
func (l *Ledger) MarkBranchRollbackOnly(id int, xid XID, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.branchLocked("mark_branch_rollback_only", id, xid)
	if err != nil {
		return err
	}
	if !b.rollbackOnly {
		b.rollbackOnly = true
		b.cause = cause
		l.logger.Debug("fap.txn.branch.rollback_only", svcfields.TransactionKey, id, "xid", xid.String(), "cause", cause)
	}
	return nil
}

// IsBranchRollbackOnly reports whether branch xid of id is rollback-only.
func (l *Ledger) IsBranchRollbackOnly(id int, xid XID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.branchLocked("is_branch_rollback_only", id, xid)
	if err != nil {
		return false, err
	}
	return b.rollbackOnly, nil
}

// BranchRollbackOnlyCause returns the rollback-only state of branch xid of
// id. Asking for a branch that was never marked is an invariant violation.
func (l *Ledger) BranchRollbackOnlyCause(id int, xid XID) (RollbackOnly, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.branchLocked("branch_rollback_only_cause", id, xid)
	if err != nil {
		return RollbackOnly{}, err
	}
	if !b.rollbackOnly {
		return RollbackOnly{}, l.invariant("branch_rollback_only_cause", id, xid, "branch not marked rollback-only")
	}
	return RollbackOnly{Marked: true, Cause: b.cause}, nil
}

// HasInDoubtXIDs reports whether id has ended, unresolved branches.
func (l *Ledger) HasInDoubtXIDs(id int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	re, err := l.resourceLocked("has_in_doubt", id)
	if err != nil {
		return false, err
	}
	return len(re.inDoubt) > 0, nil
}

// InDoubtXIDs returns the ended, unresolved branches of id.
func (l *Ledger) InDoubtXIDs(id int) ([]XID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	re, err := l.resourceLocked("in_doubt_xids", id)
	if err != nil {
		return nil, err
	}
	out := make([]XID, 0, len(re.inDoubt))
	for xid := range re.inDoubt {
		out = append(out, xid)
	}
	sortXIDs(out)
	return out, nil
}

// EnlistedXID returns the currently enlisted branch of id.
func (l *Ledger) EnlistedXID(id int) (XID, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	re, err := l.resourceLocked("enlisted_xid", id)
	if err != nil {
		return XID{}, false, err
	}
	if re.enlisted == nil {
		return XID{}, false, nil
	}
	return re.enlisted.xid, true, nil
}

// EnlistedBranch returns the enlisted branch of id together with the
// resource manager it is enlisted on.
func (l *Ledger) EnlistedBranch(id int) (XID, ResourceManager, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	re, err := l.resourceLocked("enlisted_branch", id)
	if err != nil {
		return XID{}, nil, false, err
	}
	if re.enlisted == nil {
		return XID{}, nil, false, nil
	}
	return re.enlisted.xid, re.rm, true, nil
}

// IDs returns the transaction ids indexed under convID in ascending order.
func (l *Ledger) IDs(convID uint64) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idsLocked(convID)
}

// RemoveTransactions drops every id owned by convID from the ledger and from
// d. It returns the ids removed.
func (l *Ledger) RemoveTransactions(convID uint64, d DispatchRemover) []int {
	l.mu.Lock()
	ids := l.idsLocked(convID)
	for _, id := range ids {
		if e, err := l.entries.Remove(id); err == nil {
			l.metrics.recordRemoved(context.Background(), e.kind())
		}
	}
	delete(l.owners, convID)
	l.mu.Unlock()

	if d != nil {
		for _, id := range ids {
			d.RemoveAllForTransaction(id)
		}
	}
	if len(ids) > 0 {
		l.logger.Info("fap.txn.conversation.removed", "conv", convID, "ids", ids)
	}
	return ids
}

func (l *Ledger) idsLocked(convID uint64) []int {
	set := l.owners[convID]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (l *Ledger) associateLocked(convID uint64, id int) {
	set, ok := l.owners[convID]
	if !ok {
		set = make(map[int]struct{})
		l.owners[convID] = set
	}
	set[id] = struct{}{}
}

func (l *Ledger) disassociateLocked(convID uint64, id int) {
	set, ok := l.owners[convID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(l.owners, convID)
	}
}

func (l *Ledger) localLocked(op string, id int) (*localEntry, error) {
	e, ok := l.entries.Get(id)
	if !ok {
		return nil, l.invariant(op, id, XID{}, "unknown transaction id")
	}
	le, ok := e.(*localEntry)
	if !ok {
		return nil, l.invariant(op, id, XID{}, "id maps to a global transaction")
	}
	return le, nil
}

func (l *Ledger) resourceLocked(op string, id int) (*resourceEntry, error) {
	e, ok := l.entries.Get(id)
	if !ok {
		return nil, l.invariant(op, id, XID{}, "unknown transaction id")
	}
	re, ok := e.(*resourceEntry)
	if !ok {
		return nil, l.invariant(op, id, XID{}, "id maps to a local transaction")
	}
	return re, nil
}

func (l *Ledger) branchLocked(op string, id int, xid XID) (*branch, error) {
	re, err := l.resourceLocked(op, id)
	if err != nil {
		return nil, err
	}
	b := re.branch(xid)
	if b == nil {
		return nil, l.invariant(op, id, xid, "branch not enlisted or in doubt")
	}
	return b, nil
}

// invariant reports a violation. It does not touch the mutex so it may be
// called with or without it held.
func (l *Ledger) invariant(op string, id int, xid XID, detail string) error {
	err := &InvariantError{Op: op, ID: id, XID: xid, Detail: detail}
	l.metrics.recordInvariant(context.Background(), op)
	l.logger.Error("fap.txn.invariant", "op", op, svcfields.TransactionKey, id, "xid", xid.String(), "detail", detail)
	return err
}

func sortXIDs(xids []XID) {
	sort.Slice(xids, func(i, j int) bool {
		a, b := xids[i], xids[j]
		if a.FormatID != b.FormatID {
			return a.FormatID < b.FormatID
		}
		if a.GTRID != b.GTRID {
			return a.GTRID < b.GTRID
		}
		return a.BQUAL < b.BQUAL
	})
}
