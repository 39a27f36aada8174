package common

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/rcnfinance/rcn-network-sub002/core/types"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

var (
	errNilState            = errors.New("token move: state not configured")
	errNegativeAmount      = errors.New("token move: negative transfer amount")
	ErrInsufficientBalance = errors.New("token move: insufficient balance")
)

// AccountState is the slice of the persistence layer the token helpers need.
type AccountState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc
}

// MoveTokens debits `amount` of `token` from one account and credits another.
// A zero amount is a no-op; the debit fails when the source balance is short.
func MoveTokens(state AccountState, from, to crypto.Address, token string, amount *big.Int) error {
	if state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return errNegativeAmount
	}
	if from == to {
		return nil
	}
	normalized, err := types.NormalizeToken(token)
	if err != nil {
		return err
	}
	fromAcc, err := state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance(normalized).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, normalized)
	}
	fromAcc.SetBalance(normalized, new(big.Int).Sub(fromAcc.Balance(normalized), amount))
	toAcc.SetBalance(normalized, new(big.Int).Add(toAcc.Balance(normalized), amount))
	if err := state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return state.PutAccount(to, toAcc)
}

// BalanceOf reads the balance of `token` held by `addr`, treating missing
// accounts as zero.
func BalanceOf(state AccountState, addr crypto.Address, token string) (*big.Int, error) {
	if state == nil {
		return nil, errNilState
	}
	normalized, err := types.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	acc, err := state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(acc.Balance(normalized)), nil
}
