// Package poseidon provides the fixed-arity Poseidon hash helpers shared by
// the coordinator trees, commands and commitments, plus the EVM compatible
// sha256 hash used to compress the public inputs of the circuits.
package poseidon

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/vocdoni/maci-coordinator/types"
)

// ErrTooManyInputs is returned when a fixed width hash gets more inputs than
// its width.
var ErrTooManyInputs = errors.New("too many inputs")

// HashFunc hashes a fixed number of field elements into one.
type HashFunc func(inputs []*big.Int) (*big.Int, error)

// HashN hashes the inputs zero-padded up to n elements. It fails if more than n
// inputs are provided.
func HashN(n int, inputs ...*big.Int) (*big.Int, error) {
	if len(inputs) > n {
		return nil, fmt.Errorf("%w: got %d, max %d", ErrTooManyInputs, len(inputs), n)
	}
	padded := make([]*big.Int, n)
	for i := range padded {
		if i < len(inputs) && inputs[i] != nil {
			padded[i] = inputs[i]
		} else {
			padded[i] = new(big.Int)
		}
	}
	return poseidon.Hash(padded)
}

// HashLeftRight hashes two field elements.
func HashLeftRight(left, right *big.Int) (*big.Int, error) {
	return poseidon.Hash([]*big.Int{left, right})
}

// HashOne hashes a single element as hashLeftRight(x, 0).
func HashOne(x *big.Int) (*big.Int, error) {
	return HashLeftRight(x, new(big.Int))
}

func Hash3(inputs ...*big.Int) (*big.Int, error) { return HashN(3, inputs...) }
func Hash4(inputs ...*big.Int) (*big.Int, error) { return HashN(4, inputs...) }
func Hash5(inputs ...*big.Int) (*big.Int, error) { return HashN(5, inputs...) }

// Hash13 hashes up to 13 elements with three width-5 permutations:
// hash5(e0, hash5(e1..e5), hash5(e6..e10), e11, e12).
func Hash13(inputs ...*big.Int) (*big.Int, error) {
	if len(inputs) > 13 {
		return nil, fmt.Errorf("%w: got %d, max 13", ErrTooManyInputs, len(inputs))
	}
	e := make([]*big.Int, 13)
	for i := range e {
		if i < len(inputs) && inputs[i] != nil {
			e[i] = inputs[i]
		} else {
			e[i] = new(big.Int)
		}
	}
	left, err := Hash5(e[1:6]...)
	if err != nil {
		return nil, err
	}
	right, err := Hash5(e[6:11]...)
	if err != nil {
		return nil, err
	}
	return Hash5(e[0], left, right, e[11], e[12])
}

// ByArity returns the hash function combining arity children of a tree
// node. Only arities 2 and 5 are supported.
func ByArity(arity int) (HashFunc, error) {
	switch arity {
	case 2:
		return func(in []*big.Int) (*big.Int, error) {
			if len(in) != 2 {
				return nil, fmt.Errorf("expected 2 inputs, got %d", len(in))
			}
			return HashLeftRight(in[0], in[1])
		}, nil
	case 5:
		return func(in []*big.Int) (*big.Int, error) {
			return Hash5(in...)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported arity %d", arity)
	}
}

// Sha256Hash packs every input as a 32 byte big endian word, like Solidity's
// sha256(abi.encodePacked(uint256[])), and reduces the digest into the SNARK
// scalar field.
func Sha256Hash(inputs ...*big.Int) *big.Int {
	h := sha256.New()
	for _, in := range inputs {
		h.Write(common.LeftPadBytes(in.Bytes(), 32))
	}
	digest := new(big.Int).SetBytes(h.Sum(nil))
	return digest.Mod(digest, types.SnarkField)
}
