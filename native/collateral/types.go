package collateral

import (
	"encoding/binary"
	"math/big"

	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

// Entry is one collateral position backing a debt. Ratios are ray-scaled
// (1e18) fixed-point fractions; the fee split is snapshotted from the engine
// configuration when a claim opens an auction. Entry ids start at 1; zero
// means "no entry".
type Entry struct {
	ID               uint64
	DebtID           [32]byte
	Token            string
	Oracle           crypto.Address
	Amount           *big.Int
	LiquidationRatio *big.Int
	BalanceRatio     *big.Int
	BurnFee          uint64
	RewardFee        uint64
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneOrZero(e.Amount)
	clone.LiquidationRatio = cloneOrZero(e.LiquidationRatio)
	clone.BalanceRatio = cloneOrZero(e.BalanceRatio)
	return &clone
}

// Auction is an open Dutch auction selling an entry's collateral. The offer
// climbs from StartOffer to ReferenceOffer (the market-rate equivalent of the
// requested amount) and on to Limit; past that the requested amount itself
// decays cyclically, so the price keeps drifting in the taker's favour
// without ever parking at zero.
type Auction struct {
	EntryID        uint64
	FromToken      string
	StartOffer     *big.Int
	ReferenceOffer *big.Int
	Limit          *big.Int
	Amount         *big.Int
	StartTime      int64
}

// Clone returns a deep copy of the auction.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	clone.StartOffer = cloneOrZero(a.StartOffer)
	clone.ReferenceOffer = cloneOrZero(a.ReferenceOffer)
	clone.Limit = cloneOrZero(a.Limit)
	clone.Amount = cloneOrZero(a.Amount)
	return &clone
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// EntryKey widens a sequential entry id into the 32-byte key space shared
// with the ownership registry and the cosigner data convention.
func EntryKey(id uint64) [32]byte {
	var out [32]byte
	binary.BigEndian.PutUint64(out[24:], id)
	return out
}

// ParseEntryKey reverses EntryKey, rejecting payloads that are not a
// fixed-width entry-id encoding.
func ParseEntryKey(data []byte) (uint64, bool) {
	if len(data) != 32 {
		return 0, false
	}
	for _, b := range data[:24] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(data[24:]), true
}

// BorrowHandler receives delegated collateral during BorrowCollateral. The
// handler holds funds at its own address; whatever it does, the position's
// collateralisation ratio must not end up worse than before the call.
type BorrowHandler interface {
	Address() crypto.Address
	// Handle is given the delegated collateral amount and returns how much
	// collateral it hands back to the engine.
	Handle(entryID uint64, token string, amount *big.Int, data []byte) (*big.Int, error)
}
