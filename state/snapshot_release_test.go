package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcnfinance/rcn-network-sub002/core/types"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	"github.com/rcnfinance/rcn-network-sub002/native/debt"
	"github.com/rcnfinance/rcn-network-sub002/native/registry"
)

// sinkModel accepts every payment and never reaches a terminal state, which
// keeps batch payments succeeding for as long as a test wants to loop.
type sinkModel struct {
	paid map[[32]byte]*big.Int
}

func newSinkModel() *sinkModel {
	return &sinkModel{paid: make(map[[32]byte]*big.Int)}
}

func (m *sinkModel) Validate(data []byte) (bool, error) { return true, nil }

func (m *sinkModel) Create(id [32]byte, data []byte) (bool, error) {
	if _, ok := m.paid[id]; !ok {
		m.paid[id] = big.NewInt(0)
	}
	return true, nil
}

func (m *sinkModel) AddPaid(id [32]byte, amount *big.Int) (*big.Int, error) {
	m.paid[id] = new(big.Int).Add(m.paid[id], amount)
	return new(big.Int).Set(amount), nil
}

func (m *sinkModel) Run(id [32]byte) (bool, error)           { return true, nil }
func (m *sinkModel) Status(id [32]byte) (debt.Status, error) { return debt.StatusOngoing, nil }

func (m *sinkModel) Obligation(id [32]byte, timestamp int64) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *sinkModel) ClosingObligation(id [32]byte) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

// Engines snapshot the state around multi-step operations. A revert releases
// the snapshot; a committed operation must release it too, or a long-running
// daemon retains one full state image per successful call.
func TestSuccessfulOperationsReleaseSnapshots(t *testing.T) {
	m := NewManager()
	ledgerAddr := testAddr(0x10)
	modelRef := testAddr(0x11)
	owner := testAddr(0x12)
	payer := testAddr(0x13)

	engine := debt.NewEngine(ledgerAddr, "RCN")
	engine.SetState(m)
	engine.SetRegistry(registry.NewLedger("debts", m))
	engine.RegisterModel(modelRef, newSinkModel())

	acc := types.NewAccount()
	acc.SetBalance("RCN", big.NewInt(1_000_000))
	require.NoError(t, m.PutAccount(payer, acc))

	var salt [32]byte
	salt[31] = 1
	id, err := engine.Create(owner, modelRef, owner, crypto.Address{}, salt, nil)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := engine.PayBatch(payer, [][32]byte{id}, []*big.Int{big.NewInt(1)}, payer, crypto.Address{}, nil)
		require.NoError(t, err)
	}
	require.Empty(t, m.snapshots, "successful batches retained state snapshots")

	_, err = engine.WithdrawBatch(owner, [][32]byte{id}, owner)
	require.NoError(t, err)
	require.Empty(t, m.snapshots)

	// A failing batch unwinds through the snapshot and releases it as well.
	var ghost [32]byte
	ghost[0] = 0xFF
	_, err = engine.PayBatch(payer, [][32]byte{ghost}, []*big.Int{big.NewInt(1)}, payer, crypto.Address{}, nil)
	require.ErrorIs(t, err, debt.ErrUnknownDebt)
	require.Empty(t, m.snapshots)
}
