package listener

import (
	"context"
	"fmt"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/txn"
)

// recoverScan is the cursor of one XA recovery scan. It lives in the
// conversation's object store between requests.
type recoverScan struct {
	xids []txn.XID
	next int
}

func (s *recoverScan) page(size int) ([]txn.XID, bool) {
	end := min(s.next+size, len(s.xids))
	out := s.xids[s.next:end]
	s.next = end
	return out, s.next >= len(s.xids)
}

// xaRecover starts, continues or ends a recovery scan. TMSTARTRSCAN opens a
// cursor and returns its handle with the first page; later calls name the
// handle. The cursor is dropped once exhausted or on TMENDRSCAN.
func (c *Client) xaRecover(ctx context.Context, x *exchange) error {
	flags, err := x.req.flags()
	if err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	session, ok := conversation.SessionOf(x.conv)
	if !ok {
		return x.fail(ctx, &Exception{Code: CodeInvariant, Err: fmt.Errorf("conversation has no session"), Fatal: true})
	}
	store := session.Store()

	var (
		scan   *recoverScan
		handle int
	)
	if flags.Has(txn.TMSTARTRSCAN) {
		rm, err := c.engine.ResourceManager(ctx)
		if err != nil {
			return x.fail(ctx, classify(txn.NoTransactionID, err))
		}
		xids, err := rm.Recover(ctx, flags)
		if err != nil {
			return x.fail(ctx, classify(txn.NoTransactionID, err))
		}
		scan = &recoverScan{xids: xids}
		if handle, err = store.Add(scan); err != nil {
			return x.fail(ctx, classify(txn.NoTransactionID, err))
		}
	} else {
		f, err := x.req.field(fap.FieldScanHandle)
		if err != nil {
			return x.fail(ctx, &Exception{Code: CodeNoScan, Err: err})
		}
		raw, err := f.Uint32()
		if err != nil {
			return x.fail(ctx, classify(txn.NoTransactionID, err))
		}
		handle = int(raw)
		obj, err := store.Get(handle)
		if err != nil {
			return x.fail(ctx, &Exception{Code: CodeNoScan, Err: err})
		}
		if scan, ok = obj.(*recoverScan); !ok {
			return x.fail(ctx, &Exception{Code: CodeNoScan, Err: fmt.Errorf("handle %d is not a recovery scan", handle)})
		}
	}

	xids, done := scan.page(c.pageSize)
	if done || flags.Has(txn.TMENDRSCAN) {
		done = true
		if _, err := store.Remove(handle); err != nil {
			x.logger.Debug("fap.listener.recover.remove_failed", "handle", handle, "error", err)
		}
	}
	fields := []fap.Field{fap.Uint32Field(fap.FieldScanHandle, uint32(handle))}
	for _, xid := range xids {
		fields = append(fields, xidFields(xid)...)
	}
	fields = append(fields, boolField(fap.FieldScanDone, done))
	x.logger.Debug("fap.listener.recover", "handle", handle, "returned", len(xids), "done", done)
	return x.reply(ctx, fields)
}
