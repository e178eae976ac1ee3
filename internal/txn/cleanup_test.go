package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/fapgate/internal/dispatch"
	"pkt.systems/fapgate/internal/testutil/logcapture"
	"pkt.systems/fapgate/internal/txn"
)

func TestOptimizedEndThenNewBranchSharesResourceQueue(t *testing.T) {
	ledger := txn.New(txn.Config{})
	dm := dispatch.NewMap(dispatch.Config{})
	rm := &fakeRM{}
	const id = 11

	require.NoError(t, ledger.AddGlobalTransactionBranch(id, 1, rm, xid("b1"), true))
	q1 := dm.AddEnlistedGlobal(id, xid("b1"))

	require.NoError(t, ledger.EndOptimizedGlobalTransactionBranch(context.Background(), id, txn.TMSUCCESS))

	require.NoError(t, ledger.AddGlobalTransactionBranch(id, 1, rm, xid("b2"), true))
	q2 := dm.AddEnlistedGlobal(id, xid("b2"))

	inDoubt, err := ledger.HasInDoubtXIDs(id)
	require.NoError(t, err)
	assert.True(t, inDoubt)
	xids, err := ledger.InDoubtXIDs(id)
	require.NoError(t, err)
	assert.Equal(t, []txn.XID{xid("b1")}, xids)

	enlisted, ok, err := ledger.EnlistedXID(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, xid("b2"), enlisted)

	assert.Same(t, q1, q2)
	assert.Equal(t, 2, dm.Branches(id))
}

func TestRemoveTransactionsAfterFailedRollback(t *testing.T) {
	logger := logcapture.New()
	ledger := txn.New(txn.Config{Logger: logger})
	dm := dispatch.NewMap(dispatch.Config{})
	boom := errors.New("resource gone")
	const conv = 3

	l5 := &fakeLocal{rollbackErr: boom}
	l9 := &fakeLocal{rollbackErr: boom}
	rm := &fakeRM{endErr: boom, rollbackErr: boom}

	require.NoError(t, ledger.AddLocalTransaction(5, conv, l5))
	_, err := dm.AddLocal(5)
	require.NoError(t, err)
	require.NoError(t, ledger.AddLocalTransaction(9, conv, l9))
	_, err = dm.AddLocal(9)
	require.NoError(t, err)
	require.NoError(t, ledger.AddGlobalTransactionBranch(7, conv, rm, xid("b1"), false))
	dm.AddEnlistedGlobal(7, xid("b1"))

	res := ledger.RollbackWithoutCompletionDirection(context.Background(), conv)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 4, res.Failed)
	assert.Equal(t, 4, logger.Count("fap.txn.cleanup.failed"))

	removed := ledger.RemoveTransactions(conv, dm)
	assert.Equal(t, []int{5, 7, 9}, removed)

	for _, id := range []int{5, 7, 9} {
		assert.False(t, ledger.Contains(id), "ledger id %d", id)
		_, ok := dm.Get(id)
		assert.False(t, ok, "dispatch id %d", id)
	}
	assert.Equal(t, 0, ledger.Len())
	assert.Equal(t, 0, dm.Len())
	assert.Empty(t, ledger.IDs(conv))
}

func TestRollbackEnlistedLeavesInDoubtBranches(t *testing.T) {
	ledger := txn.New(txn.Config{})
	rm := &fakeRM{}
	local := &fakeLocal{}
	const conv = 8

	require.NoError(t, ledger.AddLocalTransaction(1, conv, local))
	require.NoError(t, ledger.AddGlobalTransactionBranch(2, conv, rm, xid("b1"), false))
	require.NoError(t, ledger.EndGlobalTransactionBranch(2, xid("b1")))
	require.NoError(t, ledger.AddGlobalTransactionBranch(2, conv, rm, xid("b2"), false))

	res := ledger.RollbackEnlisted(context.Background(), conv)
	assert.Equal(t, 2, res.Attempted)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, local.rollbacks)
	assert.Equal(t, []string{"end:b2", "rollback:b2"}, rm.ops())
}

func TestRollbackWithoutCompletionDirectionCoversInDoubt(t *testing.T) {
	ledger := txn.New(txn.Config{})
	rm := &fakeRM{}
	const conv = 8

	require.NoError(t, ledger.AddGlobalTransactionBranch(2, conv, rm, xid("b1"), false))
	require.NoError(t, ledger.EndGlobalTransactionBranch(2, xid("b1")))
	require.NoError(t, ledger.AddGlobalTransactionBranch(2, conv, rm, xid("b2"), false))

	res := ledger.RollbackWithoutCompletionDirection(context.Background(), conv)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, []string{"end:b2", "rollback:b2", "rollback:b1"}, rm.ops())
	assert.Equal(t, txn.TMFAIL, rm.calls[0].flags)
}

func TestCleanupIgnoresOtherConversations(t *testing.T) {
	ledger := txn.New(txn.Config{})
	mine := &fakeLocal{}
	theirs := &fakeLocal{}
	require.NoError(t, ledger.AddLocalTransaction(1, 1, mine))
	require.NoError(t, ledger.AddLocalTransaction(2, 2, theirs))

	ledger.RollbackEnlisted(context.Background(), 1)
	ledger.RemoveTransactions(1, nil)

	assert.Equal(t, 1, mine.rollbacks)
	assert.Zero(t, theirs.rollbacks)
	assert.True(t, ledger.Contains(2))
}
