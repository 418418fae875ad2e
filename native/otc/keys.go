package otc

import (
	"bytes"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ZeroKey is reserved as the "no pair" sentinel and is never produced by
// DeriveKey for a valid pair.
var ZeroKey [32]byte

// DeriveKey computes the deterministic pairing key for an unordered pair of
// participants. The two addresses are canonically ordered before hashing so
// DeriveKey(a, b) == DeriveKey(b, a).
func DeriveKey(a, b [20]byte) [32]byte {
	lo, hi := a, b
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}
	key := ethcrypto.Keccak256Hash(lo[:], hi[:])
	if key == (ZeroKey) {
		// Keccak output of two addresses is never the zero word in
		// practice; the sentinel must still stay unreachable.
		key[31] = 1
	}
	return key
}
