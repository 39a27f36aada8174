package collateral

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

func entryString(id uint64) string { return strconv.FormatUint(id, 10) }

func hexID(id [32]byte) string { return hex.EncodeToString(id[:]) }

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// CreatedEvent records a new collateral entry.
type CreatedEvent struct {
	EntryID uint64
	DebtID  [32]byte
	Owner   crypto.Address
	Token   string
	Amount  *big.Int
}

func (CreatedEvent) EventType() string { return "collateral.created" }

func (e CreatedEvent) Attributes() map[string]string {
	return map[string]string{
		"entry":  entryString(e.EntryID),
		"debt":   hexID(e.DebtID),
		"owner":  e.Owner.String(),
		"token":  e.Token,
		"amount": amountString(e.Amount),
	}
}

// DepositedEvent records collateral topping up an entry.
type DepositedEvent struct {
	EntryID uint64
	From    crypto.Address
	Amount  *big.Int
}

func (DepositedEvent) EventType() string { return "collateral.deposited" }

func (e DepositedEvent) Attributes() map[string]string {
	return map[string]string{
		"entry":  entryString(e.EntryID),
		"from":   e.From.String(),
		"amount": amountString(e.Amount),
	}
}

// WithdrawnEvent records collateral leaving an entry.
type WithdrawnEvent struct {
	EntryID uint64
	To      crypto.Address
	Amount  *big.Int
}

func (WithdrawnEvent) EventType() string { return "collateral.withdrawn" }

func (e WithdrawnEvent) Attributes() map[string]string {
	return map[string]string{
		"entry":  entryString(e.EntryID),
		"to":     e.To.String(),
		"amount": amountString(e.Amount),
	}
}

// CosignedEvent records the engine vouching for a loan as its cosigner.
type CosignedEvent struct {
	EntryID uint64
	DebtID  [32]byte
}

func (CosignedEvent) EventType() string { return "collateral.cosigned" }

func (e CosignedEvent) Attributes() map[string]string {
	return map[string]string{"entry": entryString(e.EntryID), "debt": hexID(e.DebtID)}
}

// BorrowedEvent records a borrow-against-collateral round-trip.
type BorrowedEvent struct {
	EntryID  uint64
	Handler  crypto.Address
	Returned *big.Int
}

func (BorrowedEvent) EventType() string { return "collateral.borrowed" }

func (e BorrowedEvent) Attributes() map[string]string {
	return map[string]string{
		"entry":    entryString(e.EntryID),
		"handler":  e.Handler.String(),
		"returned": amountString(e.Returned),
	}
}

// ClaimedEvent records a liquidation trigger firing and its auction opening.
type ClaimedEvent struct {
	EntryID    uint64
	DebtID     [32]byte
	Required   *big.Int
	StartOffer *big.Int
	Limit      *big.Int
	Overdue    bool
}

func (ClaimedEvent) EventType() string { return "collateral.claimed" }

func (e ClaimedEvent) Attributes() map[string]string {
	return map[string]string{
		"entry":       entryString(e.EntryID),
		"debt":        hexID(e.DebtID),
		"required":    amountString(e.Required),
		"start_offer": amountString(e.StartOffer),
		"limit":       amountString(e.Limit),
		"overdue":     strconv.FormatBool(e.Overdue),
	}
}

// TakenEvent records an auction settling against a taker.
type TakenEvent struct {
	EntryID  uint64
	Taker    crypto.Address
	Sold     *big.Int
	Received *big.Int
	Leftover *big.Int
}

func (TakenEvent) EventType() string { return "auction.taken" }

func (e TakenEvent) Attributes() map[string]string {
	return map[string]string{
		"entry":    entryString(e.EntryID),
		"taker":    e.Taker.String(),
		"sold":     amountString(e.Sold),
		"received": amountString(e.Received),
		"leftover": amountString(e.Leftover),
	}
}

// ClosedEvent records the post-auction routing back on the entry.
type ClosedEvent struct {
	EntryID  uint64
	Paid     *big.Int
	Excess   *big.Int
	Leftover *big.Int
}

func (ClosedEvent) EventType() string { return "auction.closed" }

func (e ClosedEvent) Attributes() map[string]string {
	return map[string]string{
		"entry":    entryString(e.EntryID),
		"paid":     amountString(e.Paid),
		"excess":   amountString(e.Excess),
		"leftover": amountString(e.Leftover),
	}
}
