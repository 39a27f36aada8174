package debt

import (
	"encoding/binary"
	"math/big"

	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

// idDiscriminator separates this identifier scheme from legacy derivations
// that hashed the raw request fields directly.
const idDiscriminator = 0x02

func pad32(v *big.Int) []byte {
	out := make([]byte, 32)
	if v == nil || v.Sign() == 0 {
		return out
	}
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func pad32Int64(v int64) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[24:], uint64(v))
	return out
}

// InternalSalt folds the immutable loan terms into a single 32-byte value.
// The negotiation engine and the debt ledger both derive ids from this salt,
// which is what lets the negotiation side predict the id a ledger-level
// creation will produce and reject any mismatch.
func InternalSalt(amount *big.Int, borrower, creator, callback crypto.Address, salt *big.Int, expiration int64) [32]byte {
	return crypto.Keccak256(
		pad32(amount),
		borrower[:],
		creator[:],
		callback[:],
		pad32(salt),
		pad32Int64(expiration),
	)
}

// BuildID derives the loan identifier from the deployment identities and the
// internal salt. Hashing both the ledger and the negotiator addresses keeps
// ids from two deployments disjoint even for identical terms.
func BuildID(ledger, negotiator, model, oracleRef crypto.Address, internalSalt [32]byte) [32]byte {
	return crypto.Keccak256(
		[]byte{idDiscriminator},
		ledger[:],
		negotiator[:],
		model[:],
		oracleRef[:],
		internalSalt[:],
	)
}
