package txn_test

import (
	"context"
	"sync"

	"pkt.systems/fapgate/internal/txn"
)

type fakeLocal struct {
	mu          sync.Mutex
	rollbackErr error
	rollbacks   int
	commits     int
}

func (f *fakeLocal) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeLocal) Rollback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return f.rollbackErr
}

type rmCall struct {
	op    string
	xid   txn.XID
	flags txn.Flags
}

type fakeRM struct {
	mu          sync.Mutex
	calls       []rmCall
	endErr      error
	rollbackErr error
}

func (f *fakeRM) record(op string, xid txn.XID, flags txn.Flags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rmCall{op: op, xid: xid, flags: flags})
}

func (f *fakeRM) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.op+":"+c.xid.BQUAL)
	}
	return out
}

func (f *fakeRM) Start(_ context.Context, xid txn.XID, flags txn.Flags) error {
	f.record("start", xid, flags)
	return nil
}

func (f *fakeRM) End(_ context.Context, xid txn.XID, flags txn.Flags) error {
	f.record("end", xid, flags)
	return f.endErr
}

func (f *fakeRM) Prepare(_ context.Context, xid txn.XID) (txn.Vote, error) {
	f.record("prepare", xid, 0)
	return txn.VoteCommit, nil
}

func (f *fakeRM) Commit(_ context.Context, xid txn.XID, onePhase bool) error {
	flags := txn.TMNOFLAGS
	if onePhase {
		flags = txn.TMONEPHASE
	}
	f.record("commit", xid, flags)
	return nil
}

func (f *fakeRM) Rollback(_ context.Context, xid txn.XID) error {
	f.record("rollback", xid, 0)
	return f.rollbackErr
}

func (f *fakeRM) Forget(_ context.Context, xid txn.XID) error {
	f.record("forget", xid, 0)
	return nil
}

func (f *fakeRM) Recover(context.Context, txn.Flags) ([]txn.XID, error) {
	return nil, nil
}

func xid(bqual string) txn.XID {
	return txn.XID{FormatID: 1, GTRID: "gtrid-1", BQUAL: bqual}
}
