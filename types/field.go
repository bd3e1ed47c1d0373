package types

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// SnarkField is the order of the BN254 scalar field, every value hashed or
// committed by the circuits lives below it.
var SnarkField = fr.Modulus()

// NothingUpMySleeve is the zero value of the message tree:
// keccak256("Maci") mod SnarkField.
var NothingUpMySleeve, _ = new(big.Int).SetString(
	"8370432830353022751713833565135785980866757267633941821328460903436894336785", 10)

// InField reports whether 0 <= x < SnarkField.
func InField(x *big.Int) bool {
	return x != nil && x.Sign() >= 0 && x.Cmp(SnarkField) < 0
}

// AllInField reports whether every element of xs is a valid field element.
func AllInField(xs []*big.Int) bool {
	for _, x := range xs {
		if !InField(x) {
			return false
		}
	}
	return true
}
