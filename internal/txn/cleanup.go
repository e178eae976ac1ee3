package txn

import (
	"context"

	"pkt.systems/fapgate/internal/svcfields"
)

// CleanupResult summarises a best-effort rollback walk.
type CleanupResult struct {
	Attempted int
	Failed    int
}

type cleanupItem struct {
	id        int
	local     LocalTransaction
	rm        ResourceManager
	enlisted  XID
	hasBranch bool
	inDoubt   []XID
}

// RollbackWithoutCompletionDirection rolls back everything convID owns: the
// enlisted branch of each global entry is ended with TMFAIL and rolled back,
// every in-doubt branch is rolled back, and every local transaction is
// rolled back. Failures are counted and logged, never returned.
func (l *Ledger) RollbackWithoutCompletionDirection(ctx context.Context, convID uint64) CleanupResult {
	return l.rollback(ctx, convID, "without_completion_direction", true)
}

// RollbackEnlisted ends and rolls back the enlisted branches and local
// transactions owned by convID. In-doubt branches are left for recovery.
func (l *Ledger) RollbackEnlisted(ctx context.Context, convID uint64) CleanupResult {
	return l.rollback(ctx, convID, "enlisted", false)
}

func (l *Ledger) rollback(ctx context.Context, convID uint64, mode string, includeInDoubt bool) CleanupResult {
	items := l.snapshot(convID, includeInDoubt)
	var res CleanupResult
	fail := func(op string, id int, xid XID, err error) {
		res.Failed++
		l.metrics.recordCleanupFailure(ctx, mode, op)
		l.logger.Warn("fap.txn.cleanup.failed",
			"mode", mode,
			"op", op,
			svcfields.TransactionKey, id,
			"xid", xid.String(),
			"conv", convID,
			"error", err,
		)
	}
	for _, it := range items {
		if it.local != nil {
			res.Attempted++
			if err := it.local.Rollback(ctx); err != nil {
				fail("rollback", it.id, XID{}, err)
			}
			continue
		}
		if it.hasBranch {
			res.Attempted++
			if err := it.rm.End(ctx, it.enlisted, TMFAIL); err != nil {
				fail("end", it.id, it.enlisted, err)
			}
			if err := it.rm.Rollback(ctx, it.enlisted); err != nil {
				fail("rollback", it.id, it.enlisted, err)
			}
		}
		for _, xid := range it.inDoubt {
			res.Attempted++
			if err := it.rm.Rollback(ctx, xid); err != nil {
				fail("rollback", it.id, xid, err)
			}
		}
	}
	if res.Attempted > 0 {
		l.logger.Info("fap.txn.cleanup",
			"mode", mode,
			"conv", convID,
			"attempted", res.Attempted,
			"failed", res.Failed,
		)
	}
	return res
}

func (l *Ledger) snapshot(convID uint64, includeInDoubt bool) []cleanupItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.idsLocked(convID)
	items := make([]cleanupItem, 0, len(ids))
	for _, id := range ids {
		e, ok := l.entries.Get(id)
		if !ok {
			continue
		}
		switch e := e.(type) {
		case *localEntry:
			if e.tx == InvalidTransaction {
				continue
			}
			items = append(items, cleanupItem{id: id, local: e.tx})
		case *resourceEntry:
			it := cleanupItem{id: id, rm: e.rm}
			if e.enlisted != nil {
				it.enlisted = e.enlisted.xid
				it.hasBranch = true
			}
			if includeInDoubt {
				for xid := range e.inDoubt {
					it.inDoubt = append(it.inDoubt, xid)
				}
				sortXIDs(it.inDoubt)
			}
			if it.hasBranch || len(it.inDoubt) > 0 {
				items = append(items, it)
			}
		}
	}
	return items
}
