package oracle

import (
	"errors"
	"math/big"
)

var (
	// ErrInvalidRate is returned when an oracle reports a zero side. A zero
	// numerator or denominator would let payments vanish or divide by zero,
	// so the caller must abort.
	ErrInvalidRate = errors.New("oracle: rate sides must be positive")
	errNilRate     = errors.New("oracle: rate not read")
)

// RateOracle is the pluggable price feed consumed by the debt ledger and the
// collateral engine. ReadRate resolves caller-supplied data (typically a
// signed quote) into a token/unit-of-account pair: `equivalent` units of
// account are worth `tokens` units of the transferred token.
type RateOracle interface {
	ReadRate(data []byte) (tokens *big.Int, equivalent *big.Int, err error)
}

// Rate is one oracle observation. Batch payments read it once and reuse it
// for every entry so the whole batch settles at a single snapshot.
type Rate struct {
	Tokens     *big.Int
	Equivalent *big.Int
}

// Read pulls a rate through the oracle and validates both sides. A nil
// oracle means the loan settles directly in its unit-of-account: the
// returned rate is the identity.
func Read(o RateOracle, data []byte) (*Rate, error) {
	if o == nil {
		return &Rate{Tokens: big.NewInt(1), Equivalent: big.NewInt(1)}, nil
	}
	tokens, equivalent, err := o.ReadRate(data)
	if err != nil {
		return nil, err
	}
	if tokens == nil || equivalent == nil || tokens.Sign() <= 0 || equivalent.Sign() <= 0 {
		return nil, ErrInvalidRate
	}
	return &Rate{
		Tokens:     new(big.Int).Set(tokens),
		Equivalent: new(big.Int).Set(equivalent),
	}, nil
}

// ToTokens converts a unit-of-account amount into tokens, rounding up so the
// conversion never favours the payer.
func (r *Rate) ToTokens(amount *big.Int) (*big.Int, error) {
	if r == nil || r.Tokens == nil || r.Equivalent == nil {
		return nil, errNilRate
	}
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	num := new(big.Int).Mul(amount, r.Tokens)
	quo, rem := new(big.Int).QuoRem(num, r.Equivalent, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo, nil
}

// FromTokens converts a token amount into units of account, rounding down so
// the conversion never credits more than was actually paid.
func (r *Rate) FromTokens(tokens *big.Int) (*big.Int, error) {
	if r == nil || r.Tokens == nil || r.Equivalent == nil {
		return nil, errNilRate
	}
	if tokens == nil || tokens.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	num := new(big.Int).Mul(tokens, r.Equivalent)
	return num.Quo(num, r.Tokens), nil
}
