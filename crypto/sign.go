package crypto

import (
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var errBadSignature = errors.New("crypto: malformed signature")

// Keccak256 hashes the concatenation of the given byte slices.
func Keccak256(data ...[]byte) [32]byte {
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(data...))
	return out
}

// Sign produces a 65-byte recoverable secp256k1 signature over a 32-byte
// digest. Used by borrowers to consent to a loan request off-band.
func Sign(digest [32]byte, key *PrivateKey) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return ethcrypto.Sign(digest[:], key.PrivateKey)
}

// RecoverSigner returns the address that produced the given signature over
// the digest.
func RecoverSigner(digest [32]byte, sig []byte) (Address, error) {
	if len(sig) != 65 {
		return Address{}, errBadSignature
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return Address{}, err
	}
	var out Address
	copy(out[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}
