package debt

import (
	"math/big"

	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

// Status is the repayment state reported by a model.
type Status uint8

const (
	StatusInitial Status = iota
	StatusOngoing
	StatusPaid
	StatusError
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusInitial, StatusOngoing, StatusPaid, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusOngoing:
		return "ongoing"
	case StatusPaid:
		return "paid"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Debt is one live loan tracked by the ledger. Balance holds the lending
// tokens paid in but not yet withdrawn by the owner; Error flags a contained
// model fault and is cleared by the next healthy model interaction.
type Debt struct {
	ID       [32]byte
	Model    crypto.Address
	Creator  crypto.Address
	Oracle   crypto.Address
	Cosigner crypto.Address
	Error    bool
	Balance  *big.Int
}

// Clone returns a deep copy of the debt record.
func (d *Debt) Clone() *Debt {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Balance != nil {
		clone.Balance = new(big.Int).Set(d.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}

// Model is the pluggable repayment schedule consumed by the ledger. The
// implementation is untrusted: every call from the engine runs under a
// bounded effort budget and must not be assumed to terminate.
type Model interface {
	// Validate checks loan data without committing anything. Used by the
	// negotiation engine before a request is stored.
	Validate(data []byte) (bool, error)
	// Create materialises the repayment schedule for a new debt.
	Create(id [32]byte, data []byte) (bool, error)
	// AddPaid forwards a payment and returns the amount the model actually
	// accepted, in units of account.
	AddPaid(id [32]byte, amount *big.Int) (*big.Int, error)
	// Run advances model-internal state without a payment.
	Run(id [32]byte) (bool, error)
	// Status reports the repayment state for the debt.
	Status(id [32]byte) (Status, error)
	// Obligation reports the amount, in units of account, due at the given
	// timestamp.
	Obligation(id [32]byte, timestamp int64) (*big.Int, error)
	// ClosingObligation reports the total amount, in units of account, that
	// would settle the debt in full right now.
	ClosingObligation(id [32]byte) (*big.Int, error)
}
