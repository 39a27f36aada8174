package types

import (
	"fmt"
	"math/big"
	"strings"
)

// Account tracks per-address token balances. Balances are keyed by the
// canonical upper-case token symbol and expressed as big integers to keep
// settlement accounting exact.
type Account struct {
	Balances map[string]*big.Int
}

// NewAccount returns an account with an empty balance table.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// NormalizeToken canonicalises a token symbol. Symbols are free-form but must
// be non-empty; the lending token and collateral tokens are configured by the
// deployment, not hard-coded here.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("empty token symbol")
	}
	return trimmed, nil
}

// Balance returns the balance held for the given canonical symbol. Missing
// entries read as zero.
func (a *Account) Balance(token string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[token]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}

// SetBalance stores the balance for the given canonical symbol.
func (a *Account) SetBalance(token string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[token] = amount
}

// Clone returns a deep copy so callers can mutate without aliasing stored
// state.
func (a *Account) Clone() *Account {
	clone := NewAccount()
	if a == nil || a.Balances == nil {
		return clone
	}
	for token, bal := range a.Balances {
		if bal == nil {
			clone.Balances[token] = big.NewInt(0)
			continue
		}
		clone.Balances[token] = new(big.Int).Set(bal)
	}
	return clone
}
