package listener

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/fapgate/internal/txn"
	"pkt.systems/pslog"
)

// DefaultRecoverPageSize bounds the XIDs returned by one recover reply.
const DefaultRecoverPageSize = 16

var errMarkedByPeer = errors.New("marked rollback-only by peer")

// ClientConfig configures a Client listener.
type ClientConfig struct {
	Engine          Engine
	RecoverPageSize int
	Logger          pslog.Logger
}

// Client executes transaction requests from client connections.
type Client struct {
	base
	engine   Engine
	pageSize int
}

// NewClient returns a Client listener.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("listener: engine required")
	}
	if cfg.RecoverPageSize <= 0 {
		cfg.RecoverPageSize = DefaultRecoverPageSize
	}
	return &Client{
		base:     newBase("client", cfg.Logger),
		engine:   cfg.Engine,
		pageSize: cfg.RecoverPageSize,
	}, nil
}

// Received handles one segment of an accepted client conversation.
func (c *Client) Received(ctx context.Context, conv conversation.Conversation, seg conversation.Segment) error {
	x, err := c.exchange(conv, seg)
	if err != nil {
		return err
	}
	x.req, err = parseRequest(seg.Payload)
	if err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	switch seg.Type {
	case fap.SegmentPing:
		return c.ping(ctx, x)
	case fap.SegmentCloseConversation:
		return c.closeRequested(ctx, x)
	case fap.SegmentCreateLocalTx:
		return c.createLocal(ctx, x)
	case fap.SegmentCommitLocalTx:
		return c.completeLocal(ctx, x, true)
	case fap.SegmentRollbackLocalTx:
		return c.completeLocal(ctx, x, false)
	case fap.SegmentMarkRollbackOnly:
		return c.markRollbackOnly(ctx, x)
	case fap.SegmentXAStart:
		return c.xaStart(ctx, x)
	case fap.SegmentXAEnd:
		return c.xaEnd(ctx, x)
	case fap.SegmentXAOptimizedEnd:
		return c.xaOptimizedEnd(ctx, x)
	case fap.SegmentXAPrepare:
		return c.xaPrepare(ctx, x)
	case fap.SegmentXACommit:
		return c.xaCommit(ctx, x)
	case fap.SegmentXARollback:
		return c.xaRollback(ctx, x)
	case fap.SegmentXAForget:
		return c.xaForget(ctx, x)
	case fap.SegmentXARecover:
		return c.xaRecover(ctx, x)
	default:
		return x.fail(ctx, protocolError("unexpected segment %s", seg.Type))
	}
}

// Closed is called once conv has gone away.
func (c *Client) Closed(_ context.Context, conv conversation.Conversation, cause error) {
	c.closed(conv, cause)
}

// createLocal registers a local transaction. Registration runs on the queue
// of id when one is live so it follows the completion of a previous
// transaction under the same id.
func (c *Client) createLocal(ctx context.Context, x *exchange) error {
	id, err := x.req.txID()
	if err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	ledger := x.link.Ledger()
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		tx, txErr := c.engine.NewLocalTransaction(ctx)
		if txErr != nil {
			// The id stays reserved so later requests on it fail cleanly.
			if err := ledger.AddLocalTransaction(id, x.conv.ID(), txn.InvalidTransaction); err != nil {
				return nil, err
			}
			return nil, txErr
		}
		if err := ledger.AddLocalTransaction(id, x.conv.ID(), tx); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if _, err := x.link.Dispatch().AddLocal(id); err != nil {
			_ = ledger.RemoveLocalTransaction(id)
			_ = tx.Rollback(ctx)
			return nil, &txn.InvariantError{Op: "create_local", ID: id, Detail: err.Error()}
		}
		return []fap.Field{fap.Uint32Field(fap.FieldTxID, uint32(id))}, nil
	})
}

// completeLocal commits or rolls back a local transaction. A commit of a
// rollback-only transaction rolls back and reports the recorded cause.
func (c *Client) completeLocal(ctx context.Context, x *exchange, commit bool) error {
	id, err := x.req.txID()
	if err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	ledger := x.link.Ledger()
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		ref, err := ledger.Get(id)
		if err != nil {
			return nil, err
		}
		rollbackOnly, err := ledger.IsRollbackOnly(id)
		if err != nil {
			return nil, err
		}
		var opErr error
		switch {
		case commit && rollbackOnly:
			state, _ := ledger.RollbackOnlyCause(id)
			opErr = ref.Local.Rollback(ctx)
			if opErr == nil {
				opErr = fmt.Errorf("%w: %v", ErrRolledBack, state.Cause)
			}
		case commit:
			opErr = ref.Local.Commit(ctx)
		default:
			opErr = ref.Local.Rollback(ctx)
		}
		if err := ledger.RemoveLocalTransaction(id); err != nil {
			return nil, err
		}
		x.link.Dispatch().RemoveLocal(id)
		if opErr != nil {
			return nil, opErr
		}
		return []fap.Field{fap.Uint32Field(fap.FieldTxID, uint32(id))}, nil
	})
}

func (c *Client) markRollbackOnly(ctx context.Context, x *exchange) error {
	id, err := x.req.txID()
	if err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	cause := errMarkedByPeer
	if f, ok := fap.Find(x.req.fields, fap.FieldErrorText); ok && len(f.Value) > 0 {
		cause = errors.New(f.String())
	}
	return x.run(ctx, id, func(context.Context) ([]fap.Field, error) {
		if err := x.link.Ledger().MarkAsRollbackOnly(id, cause); err != nil {
			return nil, err
		}
		return []fap.Field{fap.Uint32Field(fap.FieldTxID, uint32(id))}, nil
	})
}

// xaStart enlists branch xid, or rejoins it with TMJOIN/TMRESUME. A failed
// start leaves the branch enlisted and rollback-only.
func (c *Client) xaStart(ctx context.Context, x *exchange) error {
	id, err := x.req.txID()
	if err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	xid, err := x.req.xid()
	if err != nil {
		return x.fail(ctx, classify(id, err))
	}
	flags, err := x.req.flags()
	if err != nil {
		return x.fail(ctx, classify(id, err))
	}
	optimized := x.req.flag(fap.FieldOnePhase)
	ledger := x.link.Ledger()
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		ref, err := ledger.Lookup(id, true)
		if err != nil {
			return nil, err
		}
		rm := ref.Resource
		rejoin := false
		if ref.Kind == txn.KindGlobal && (flags.Has(txn.TMJOIN) || flags.Has(txn.TMRESUME)) {
			enlisted, ok, _ := ledger.EnlistedXID(id)
			rejoin = ok && enlisted == xid
		}
		if rm == nil && ref.Kind != txn.KindLocal {
			if rm, err = c.engine.ResourceManager(ctx); err != nil {
				return nil, err
			}
		}
		if !rejoin {
			if err := ledger.AddGlobalTransactionBranch(id, x.conv.ID(), rm, xid, optimized); err != nil {
				return nil, err
			}
			x.link.Dispatch().AddEnlistedGlobal(id, xid)
		}
		if err := rm.Start(ctx, xid, flags); err != nil {
			_ = ledger.MarkBranchRollbackOnly(id, xid, err)
			return nil, err
		}
		return xidFields(xid), nil
	})
}

func (c *Client) xaEnd(ctx context.Context, x *exchange) error {
	id, err := x.req.txID()
	if err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	xid, err := x.req.xid()
	if err != nil {
		return x.fail(ctx, classify(id, err))
	}
	flags, err := x.req.flags()
	if err != nil {
		return x.fail(ctx, classify(id, err))
	}
	ledger := x.link.Ledger()
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		enlisted, rm, ok, err := ledger.EnlistedBranch(id)
		if err != nil {
			return nil, err
		}
		if !ok || enlisted != xid {
			return nil, &txn.InvariantError{Op: "xa_end", ID: id, XID: xid, Detail: "branch not enlisted"}
		}
		endErr := rm.End(ctx, xid, flags)
		if endErr != nil {
			_ = ledger.MarkBranchRollbackOnly(id, xid, endErr)
		}
		if !flags.Has(txn.TMSUSPEND) {
			if err := ledger.EndGlobalTransactionBranch(id, xid); err != nil {
				return nil, err
			}
		}
		if endErr != nil {
			return nil, endErr
		}
		return xidFields(xid), nil
	})
}

func (c *Client) xaOptimizedEnd(ctx context.Context, x *exchange) error {
	id, err := x.req.txID()
	if err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	flags, err := x.req.flags()
	if err != nil {
		return x.fail(ctx, classify(id, err))
	}
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		if err := x.link.Ledger().EndOptimizedGlobalTransactionBranch(ctx, id, flags); err != nil {
			return nil, err
		}
		return []fap.Field{fap.Uint32Field(fap.FieldTxID, uint32(id))}, nil
	})
}

// rollbackIfMarked rolls back branch xid when it is rollback-only and
// reports the recorded cause.
func (c *Client) rollbackIfMarked(ctx context.Context, x *exchange, rm txn.ResourceManager, id int, xid txn.XID) (bool, error) {
	ledger := x.link.Ledger()
	marked, err := ledger.IsBranchRollbackOnly(id, xid)
	if err != nil || !marked {
		return false, err
	}
	state, _ := ledger.BranchRollbackOnlyCause(id, xid)
	rbErr := rm.Rollback(ctx, xid)
	c.finishBranch(x, id, xid)
	return true, errors.Join(fmt.Errorf("%w: %v", ErrRolledBack, state.Cause), rbErr)
}

func (c *Client) xaPrepare(ctx context.Context, x *exchange) error {
	id, xid, ex := c.branchRequest(x)
	if ex != nil {
		return x.fail(ctx, ex)
	}
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		rm, ok := x.link.Ledger().ResourceForBranch(id, xid)
		if !ok {
			return nil, &txn.InvariantError{Op: "xa_prepare", ID: id, XID: xid, Detail: "branch not registered"}
		}
		if enlisted, ok, _ := x.link.Ledger().EnlistedXID(id); ok && enlisted == xid {
			return nil, protocolError("branch %s not ended", xid)
		}
		if rolledBack, err := c.rollbackIfMarked(ctx, x, rm, id, xid); rolledBack || err != nil {
			return nil, err
		}
		vote, err := rm.Prepare(ctx, xid)
		if err != nil {
			_ = x.link.Ledger().MarkBranchRollbackOnly(id, xid, err)
			return nil, err
		}
		if vote == txn.VoteReadOnly {
			c.finishBranch(x, id, xid)
		}
		return append(xidFields(xid), fap.Uint8Field(fap.FieldVote, uint8(vote))), nil
	})
}

func (c *Client) xaCommit(ctx context.Context, x *exchange) error {
	id, xid, ex := c.branchRequest(x)
	if ex != nil {
		return x.fail(ctx, ex)
	}
	onePhase := x.req.flag(fap.FieldOnePhase)
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		rm, tracked, err := c.resourceFor(ctx, x, id, xid)
		if err != nil {
			return nil, err
		}
		if tracked && onePhase {
			if rolledBack, err := c.rollbackIfMarked(ctx, x, rm, id, xid); rolledBack || err != nil {
				return nil, err
			}
		}
		if err := rm.Commit(ctx, xid, onePhase); err != nil {
			return nil, err
		}
		if tracked {
			c.finishBranch(x, id, xid)
		}
		return xidFields(xid), nil
	})
}

// xaRollback rolls back branch xid. A failure marks a tracked branch
// rollback-only and keeps it; a branch that was already rollback-only is
// completed whatever the resource manager answers.
func (c *Client) xaRollback(ctx context.Context, x *exchange) error {
	id, xid, ex := c.branchRequest(x)
	if ex != nil {
		return x.fail(ctx, ex)
	}
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		rm, tracked, err := c.resourceFor(ctx, x, id, xid)
		if err != nil {
			return nil, err
		}
		ledger := x.link.Ledger()
		marked := false
		if tracked {
			marked, _ = ledger.IsBranchRollbackOnly(id, xid)
		}
		if err := rm.Rollback(ctx, xid); err != nil {
			if tracked && !marked {
				_ = ledger.MarkBranchRollbackOnly(id, xid, err)
				return nil, err
			}
			if tracked {
				c.finishBranch(x, id, xid)
			}
			return nil, err
		}
		if tracked {
			c.finishBranch(x, id, xid)
		}
		return xidFields(xid), nil
	})
}

func (c *Client) xaForget(ctx context.Context, x *exchange) error {
	id, xid, ex := c.branchRequest(x)
	if ex != nil {
		return x.fail(ctx, ex)
	}
	return x.run(ctx, id, func(ctx context.Context) ([]fap.Field, error) {
		rm, tracked, err := c.resourceFor(ctx, x, id, xid)
		if err != nil {
			return nil, err
		}
		if err := rm.Forget(ctx, xid); err != nil {
			return nil, err
		}
		if tracked {
			c.finishBranch(x, id, xid)
		}
		return xidFields(xid), nil
	})
}

func (c *Client) branchRequest(x *exchange) (int, txn.XID, *Exception) {
	id, err := x.req.txID()
	if err != nil {
		return 0, txn.XID{}, classify(txn.NoTransactionID, err)
	}
	xid, err := x.req.xid()
	if err != nil {
		return 0, txn.XID{}, classify(id, err)
	}
	return id, xid, nil
}

// resourceFor returns the resource manager tracking branch xid of id. A
// branch the ledger does not know, such as one found by recovery, is
// resolved directly against the engine.
func (c *Client) resourceFor(ctx context.Context, x *exchange, id int, xid txn.XID) (txn.ResourceManager, bool, error) {
	if rm, ok := x.link.Ledger().ResourceForBranch(id, xid); ok {
		return rm, true, nil
	}
	rm, err := c.engine.ResourceManager(ctx)
	return rm, false, err
}

func (c *Client) finishBranch(x *exchange, id int, xid txn.XID) {
	if err := x.link.Ledger().RemoveGlobalTransactionBranch(id, xid); err != nil {
		x.logger.Debug("fap.listener.branch.remove_failed", svcfields.TransactionKey, id, "xid", xid.String(), "error", err)
	}
	x.link.Dispatch().RemoveGlobal(id, xid)
}

var _ conversation.Listener = (*Client)(nil)
