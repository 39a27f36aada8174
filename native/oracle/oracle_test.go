package oracle

import (
	"errors"
	"math/big"
	"testing"
)

type fixedOracle struct {
	tokens     int64
	equivalent int64
}

func (o fixedOracle) ReadRate(data []byte) (*big.Int, *big.Int, error) {
	return big.NewInt(o.tokens), big.NewInt(o.equivalent), nil
}

func TestNilOracleIsIdentity(t *testing.T) {
	rate, err := Read(nil, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out, err := rate.ToTokens(big.NewInt(123))
	if err != nil || out.Cmp(big.NewInt(123)) != 0 {
		t.Fatalf("identity ToTokens = %s (%v), want 123", out, err)
	}
	back, err := rate.FromTokens(out)
	if err != nil || back.Cmp(big.NewInt(123)) != 0 {
		t.Fatalf("identity FromTokens = %s (%v), want 123", back, err)
	}
}

func TestReadRejectsDegenerateRates(t *testing.T) {
	if _, err := Read(fixedOracle{tokens: 0, equivalent: 2}, nil); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("zero tokens side: got %v", err)
	}
	if _, err := Read(fixedOracle{tokens: 2, equivalent: 0}, nil); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("zero equivalent side: got %v", err)
	}
}

func TestConversionRoundingDirections(t *testing.T) {
	// 3 tokens are worth 2 units of account.
	rate, err := Read(fixedOracle{tokens: 3, equivalent: 2}, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	// 1 unit of account costs ceil(3/2) = 2 tokens: the payer overpays.
	tokens, err := rate.ToTokens(big.NewInt(1))
	if err != nil || tokens.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("ToTokens(1) = %s (%v), want 2", tokens, err)
	}
	// 1 token is worth floor(2/3) = 0 units: the ledger never over-credits.
	units, err := rate.FromTokens(big.NewInt(1))
	if err != nil || units.Sign() != 0 {
		t.Fatalf("FromTokens(1) = %s (%v), want 0", units, err)
	}
	// Exact multiples convert without loss.
	tokens, err = rate.ToTokens(big.NewInt(4))
	if err != nil || tokens.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("ToTokens(4) = %s (%v), want 6", tokens, err)
	}
}

func TestConversionZeroAndNil(t *testing.T) {
	rate, err := Read(fixedOracle{tokens: 3, equivalent: 2}, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out, err := rate.ToTokens(nil); err != nil || out.Sign() != 0 {
		t.Fatalf("ToTokens(nil) = %s (%v), want 0", out, err)
	}
	var unread *Rate
	if _, err := unread.ToTokens(big.NewInt(1)); err == nil {
		t.Fatalf("unread rate converted")
	}
}
