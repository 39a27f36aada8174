package debt

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

// CreatedEvent records a new debt entering the ledger.
type CreatedEvent struct {
	ID      [32]byte
	Owner   crypto.Address
	Model   crypto.Address
	Oracle  crypto.Address
	Creator crypto.Address
}

func (CreatedEvent) EventType() string { return "debt.created" }

func (e CreatedEvent) Attributes() map[string]string {
	return map[string]string{
		"id":      hexID(e.ID),
		"owner":   e.Owner.String(),
		"model":   e.Model.String(),
		"creator": e.Creator.String(),
	}
}

// PaidEvent records one applied payment, in both units of account and
// lending tokens, together with who paid and on whose behalf.
type PaidEvent struct {
	ID              [32]byte
	Requested       *big.Int
	RequestedTokens *big.Int
	Paid            *big.Int
	PaidTokens      *big.Int
	Payer           crypto.Address
	Origin          crypto.Address
}

func (PaidEvent) EventType() string { return "debt.paid" }

func (e PaidEvent) Attributes() map[string]string {
	return map[string]string{
		"id":               hexID(e.ID),
		"requested":        amountString(e.Requested),
		"requested_tokens": amountString(e.RequestedTokens),
		"paid":             amountString(e.Paid),
		"paid_tokens":      amountString(e.PaidTokens),
		"payer":            e.Payer.String(),
		"origin":           e.Origin.String(),
	}
}

// WithdrawnEvent records lending tokens leaving a debt balance.
type WithdrawnEvent struct {
	ID     [32]byte
	To     crypto.Address
	Amount *big.Int
}

func (WithdrawnEvent) EventType() string { return "debt.withdrawn" }

func (e WithdrawnEvent) Attributes() map[string]string {
	return map[string]string{
		"id":     hexID(e.ID),
		"to":     e.To.String(),
		"amount": amountString(e.Amount),
	}
}

// FaultEvent records a contained model fault that flagged the debt.
type FaultEvent struct {
	ID     [32]byte
	Reason string
}

func (FaultEvent) EventType() string { return "debt.fault" }

func (e FaultEvent) Attributes() map[string]string {
	return map[string]string{"id": hexID(e.ID), "reason": e.Reason}
}

// RecoveredEvent records the error flag clearing after a healthy model
// interaction.
type RecoveredEvent struct {
	ID [32]byte
}

func (RecoveredEvent) EventType() string { return "debt.recovered" }

func (e RecoveredEvent) Attributes() map[string]string {
	return map[string]string{"id": hexID(e.ID)}
}

// CosignedEvent records a cosigner confirming its guarantee on a debt.
type CosignedEvent struct {
	ID       [32]byte
	Cosigner crypto.Address
}

func (CosignedEvent) EventType() string { return "debt.cosigned" }

func (e CosignedEvent) Attributes() map[string]string {
	return map[string]string{"id": hexID(e.ID), "cosigner": e.Cosigner.String()}
}
