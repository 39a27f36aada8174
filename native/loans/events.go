package loans

import (
	"encoding/hex"
	"math/big"

	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

func hexID(id [32]byte) string { return hex.EncodeToString(id[:]) }

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// RequestedEvent records a new loan request entering the book.
type RequestedEvent struct {
	ID       [32]byte
	Borrower crypto.Address
	Creator  crypto.Address
	Amount   *big.Int
}

func (RequestedEvent) EventType() string { return "loan.requested" }

func (e RequestedEvent) Attributes() map[string]string {
	return map[string]string{
		"id":       hexID(e.ID),
		"borrower": e.Borrower.String(),
		"creator":  e.Creator.String(),
		"amount":   amountString(e.Amount),
	}
}

// ApprovedEvent records borrower consent landing on a request. Emitted at
// most once per request.
type ApprovedEvent struct {
	ID [32]byte
}

func (ApprovedEvent) EventType() string { return "loan.approved" }

func (e ApprovedEvent) Attributes() map[string]string {
	return map[string]string{"id": hexID(e.ID)}
}

// LentEvent records a request converting into a live debt.
type LentEvent struct {
	ID       [32]byte
	Lender   crypto.Address
	Tokens   *big.Int
	Cosigner crypto.Address
}

func (LentEvent) EventType() string { return "loan.lent" }

func (e LentEvent) Attributes() map[string]string {
	return map[string]string{
		"id":       hexID(e.ID),
		"lender":   e.Lender.String(),
		"tokens":   amountString(e.Tokens),
		"cosigner": e.Cosigner.String(),
	}
}

// SettledEvent records a one-shot settle-lend (request, approval and lend
// collapsed into one invocation).
type SettledEvent struct {
	ID     [32]byte
	Lender crypto.Address
}

func (SettledEvent) EventType() string { return "loan.settled" }

func (e SettledEvent) Attributes() map[string]string {
	return map[string]string{"id": hexID(e.ID), "lender": e.Lender.String()}
}

// CanceledEvent records a request leaving the book before being lent.
type CanceledEvent struct {
	ID       [32]byte
	Canceler crypto.Address
}

func (CanceledEvent) EventType() string { return "loan.canceled" }

func (e CanceledEvent) Attributes() map[string]string {
	return map[string]string{"id": hexID(e.ID), "canceler": e.Canceler.String()}
}

// SettleCanceledEvent records a term-set being permanently blacklisted from
// settle-lend.
type SettleCanceledEvent struct {
	ID       [32]byte
	Canceler crypto.Address
}

func (SettleCanceledEvent) EventType() string { return "loan.settle_canceled" }

func (e SettleCanceledEvent) Attributes() map[string]string {
	return map[string]string{"id": hexID(e.ID), "canceler": e.Canceler.String()}
}
