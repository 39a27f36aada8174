package loans

import (
	"math/big"

	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

// Terms are the immutable fields a loan request is negotiated over. The
// derived identifier binds every one of them, so changing any field yields a
// different loan.
type Terms struct {
	Amount     *big.Int
	Model      crypto.Address
	Oracle     crypto.Address
	Borrower   crypto.Address
	Creator    crypto.Address
	Callback   crypto.Address
	Salt       *big.Int
	Expiration int64
	Data       []byte
}

// Request is a stored loan request. Open and Approved track the negotiation
// state machine; once lent the record is consumed (Open=false) and the
// corresponding debt becomes live in the ledger.
type Request struct {
	ID         [32]byte
	Open       bool
	Approved   bool
	Amount     *big.Int
	Model      crypto.Address
	Oracle     crypto.Address
	Borrower   crypto.Address
	Creator    crypto.Address
	Callback   crypto.Address
	Salt       *big.Int
	Expiration int64
	Data       []byte
}

// Clone returns a deep copy of the request record.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if r.Salt != nil {
		clone.Salt = new(big.Int).Set(r.Salt)
	} else {
		clone.Salt = big.NewInt(0)
	}
	clone.Data = append([]byte(nil), r.Data...)
	return &clone
}

// Consent is the tagged consent variant a party supplies when it is not the
// direct caller: either a recoverable signature over the approval digest or
// an instruction to resolve the party's registered approval-callback
// capability. Which variant applies is decided by which data is present, not
// by inspecting the party's address.
type Consent struct {
	Signature []byte
	Callback  bool
}

// ApprovalCallback is the optional capability a contract-like borrower or
// creator can register to consent to loans programmatically. The callback
// must echo the id it approves; any mismatch, decline, error or panic is
// treated as "not approved" and never as a failure of the caller.
type ApprovalCallback interface {
	ApproveLoan(id [32]byte) (echoed [32]byte, accepted bool, err error)
	ApproveLoanCreator(id [32]byte) (echoed [32]byte, accepted bool, err error)
}

// LoanCallback is the optional post-lend hook fixed at request time. A false
// return or contained fault rolls back the entire lend.
type LoanCallback interface {
	OnLent(id [32]byte, lender crypto.Address, data []byte) (bool, error)
}

// Cosigner can gate a lend and later be asked to make good on a guarantee.
// During RequestCosign it must call the debt ledger's Cosign hook; a missing
// confirmation fails the lend.
type Cosigner interface {
	Cost(id [32]byte, data []byte) (*big.Int, error)
	RequestCosign(caller crypto.Address, id [32]byte, data []byte) (bool, error)
}

var (
	approvalTag = []byte("approve-loan-request")
	creatorTag  = []byte("approve-loan-creator")
)

// ApprovalDigest is the message a borrower signs to approve a request.
func ApprovalDigest(id [32]byte) [32]byte {
	return crypto.Keccak256(approvalTag, id[:])
}

// CreatorDigest is the message a creator signs to consent to a settle-lend.
func CreatorDigest(id [32]byte) [32]byte {
	return crypto.Keccak256(creatorTag, id[:])
}
