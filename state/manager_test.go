package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcnfinance/rcn-network-sub002/core/types"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	"github.com/rcnfinance/rcn-network-sub002/native/collateral"
	"github.com/rcnfinance/rcn-network-sub002/native/debt"
	"github.com/rcnfinance/rcn-network-sub002/native/loans"
	"github.com/rcnfinance/rcn-network-sub002/storage"
)

func testAddr(b byte) crypto.Address {
	var a crypto.Address
	a[19] = b
	return a
}

func testID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

func TestAccountsAreCopied(t *testing.T) {
	m := NewManager()
	acc := types.NewAccount()
	acc.SetBalance("RCN", big.NewInt(100))
	require.NoError(t, m.PutAccount(testAddr(1), acc))

	// Mutating the caller's copy must not leak into the store.
	acc.SetBalance("RCN", big.NewInt(1))
	stored, err := m.GetAccount(testAddr(1))
	require.NoError(t, err)
	require.Equal(t, int64(100), stored.Balance("RCN").Int64())

	stored.SetBalance("RCN", big.NewInt(2))
	again, err := m.GetAccount(testAddr(1))
	require.NoError(t, err)
	require.Equal(t, int64(100), again.Balance("RCN").Int64())
}

func TestSnapshotRevertRestoresEveryTable(t *testing.T) {
	m := NewManager()
	acc := types.NewAccount()
	acc.SetBalance("RCN", big.NewInt(100))
	require.NoError(t, m.PutAccount(testAddr(1), acc))
	require.NoError(t, m.DebtPut(&debt.Debt{ID: testID(1), Balance: big.NewInt(7)}))

	snap := m.Snapshot()

	acc.SetBalance("RCN", big.NewInt(5))
	require.NoError(t, m.PutAccount(testAddr(1), acc))
	require.NoError(t, m.DebtPut(&debt.Debt{ID: testID(2), Balance: big.NewInt(9)}))
	require.NoError(t, m.MarkSettleCanceled(testID(3)))
	require.NoError(t, m.RequestPut(&loans.Request{ID: testID(4), Open: true}))

	m.RevertToSnapshot(snap)

	restored, err := m.GetAccount(testAddr(1))
	require.NoError(t, err)
	require.Equal(t, int64(100), restored.Balance("RCN").Int64())
	_, ok, err := m.DebtGet(testID(2))
	require.NoError(t, err)
	require.False(t, ok, "debt written after the snapshot survived the revert")
	canceled, err := m.SettleCanceled(testID(3))
	require.NoError(t, err)
	require.False(t, canceled)
	_, ok, err = m.RequestGet(testID(4))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRevertDiscardsLaterSnapshots(t *testing.T) {
	m := NewManager()
	first := m.Snapshot()
	require.NoError(t, m.MarkSettleCanceled(testID(1)))
	second := m.Snapshot()
	require.NoError(t, m.MarkSettleCanceled(testID(2)))

	m.RevertToSnapshot(first)
	// Both marks are gone and the second handle is now dead.
	for _, id := range [][32]byte{testID(1), testID(2)} {
		canceled, err := m.SettleCanceled(id)
		require.NoError(t, err)
		require.False(t, canceled)
	}
	require.NoError(t, m.MarkSettleCanceled(testID(3)))
	m.RevertToSnapshot(second)
	canceled, err := m.SettleCanceled(testID(3))
	require.NoError(t, err)
	require.True(t, canceled, "reverting to a discarded snapshot must be a no-op")
}

func TestEntryIDsAreSequentialFromOne(t *testing.T) {
	m := NewManager()
	first, err := m.NextEntryID()
	require.NoError(t, err)
	second, err := m.NextEntryID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), second)
}

func TestIndexEntryDebtIsOneToOne(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.IndexEntryDebt(testID(1), 1))
	require.NoError(t, m.IndexEntryDebt(testID(1), 1))
	require.ErrorIs(t, m.IndexEntryDebt(testID(1), 2), ErrDebtIndexed)
}

func TestFlushLoadRoundTrip(t *testing.T) {
	m := NewManager()
	acc := types.NewAccount()
	acc.SetBalance("RCN", big.NewInt(100))
	acc.SetBalance("ALT", big.NewInt(7))
	require.NoError(t, m.PutAccount(testAddr(1), acc))
	require.NoError(t, m.DebtPut(&debt.Debt{
		ID:       testID(1),
		Model:    testAddr(2),
		Creator:  testAddr(3),
		Cosigner: testAddr(4),
		Error:    true,
		Balance:  big.NewInt(55),
	}))
	require.NoError(t, m.RequestPut(&loans.Request{
		ID:         testID(2),
		Open:       true,
		Approved:   true,
		Amount:     big.NewInt(500),
		Model:      testAddr(2),
		Borrower:   testAddr(5),
		Creator:    testAddr(6),
		Salt:       big.NewInt(42),
		Expiration: 1_900_000_000,
		Data:       []byte{0xDE, 0xAD},
	}))
	require.NoError(t, m.MarkSettleCanceled(testID(3)))
	require.NoError(t, m.RegistrySetOwner("debts", testID(1), testAddr(7)))
	require.NoError(t, m.RegistryAppend("debts", testID(1)))
	require.NoError(t, m.RegistrySetApproved("debts", testID(1), testAddr(8)))
	entryID, err := m.NextEntryID()
	require.NoError(t, err)
	require.NoError(t, m.EntryPut(&collateral.Entry{
		ID:               entryID,
		DebtID:           testID(1),
		Token:            "ALT",
		Amount:           big.NewInt(600),
		LiquidationRatio: big.NewInt(1_200),
		BalanceRatio:     big.NewInt(1_500),
		BurnFee:          100,
		RewardFee:        50,
	}))
	require.NoError(t, m.IndexEntryDebt(testID(1), entryID))
	require.NoError(t, m.AuctionPut(&collateral.Auction{
		EntryID:        entryID,
		FromToken:      "ALT",
		StartOffer:     big.NewInt(286),
		ReferenceOffer: big.NewInt(302),
		Limit:          big.NewInt(600),
		Amount:         big.NewInt(603),
		StartTime:      1_000_000,
	}))

	db := storage.NewMemDB()
	require.NoError(t, m.Flush(db))

	restored := NewManager()
	require.NoError(t, restored.Load(db))

	acc2, err := restored.GetAccount(testAddr(1))
	require.NoError(t, err)
	require.Equal(t, int64(100), acc2.Balance("RCN").Int64())
	require.Equal(t, int64(7), acc2.Balance("ALT").Int64())

	d, ok, err := restored.DebtGet(testID(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, d.Error)
	require.Equal(t, testAddr(4), d.Cosigner)
	require.Equal(t, int64(55), d.Balance.Int64())

	r, ok, err := restored.RequestGet(testID(2))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0xDE, 0xAD}, r.Data)
	require.Equal(t, int64(42), r.Salt.Int64())

	canceled, err := restored.SettleCanceled(testID(3))
	require.NoError(t, err)
	require.True(t, canceled)

	ownerAddr, ok, err := restored.RegistryOwner("debts", testID(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testAddr(7), ownerAddr)
	spender, ok, err := restored.RegistryApproved("debts", testID(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testAddr(8), spender)
	order, err := restored.RegistryList("debts")
	require.NoError(t, err)
	require.Equal(t, [][32]byte{testID(1)}, order)

	entry, ok, err := restored.EntryGet(entryID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), entry.BurnFee)
	require.Equal(t, int64(600), entry.Amount.Int64())
	boundEntry, ok, err := restored.EntryByDebt(testID(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entryID, boundEntry)

	a, ok, err := restored.AuctionGet(entryID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(603), a.Amount.Int64())
	require.Equal(t, int64(1_000_000), a.StartTime)

	// The entry sequence continues past the restored high-water mark.
	next, err := restored.NextEntryID()
	require.NoError(t, err)
	require.Equal(t, entryID+1, next)
}

func TestLoadMissingImageStartsClean(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Load(storage.NewMemDB()))
	_, ok, err := m.DebtGet(testID(1))
	require.NoError(t, err)
	require.False(t, ok)
}
