// Package state defines the records stored in the state and ballot trees.
package state

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
)

// StateLeaf is a registered voter: the current public key, the remaining
// voice credits and the signup timestamp.
type StateLeaf struct {
	PubKey             keys.PublicKey
	VoiceCreditBalance *big.Int
	Timestamp          *big.Int
}

// NewStateLeaf builds a leaf with its own copies of the values.
func NewStateLeaf(pk keys.PublicKey, balance, timestamp *big.Int) *StateLeaf {
	return &StateLeaf{
		PubKey:             pk.Copy(),
		VoiceCreditBalance: new(big.Int).Set(balance),
		Timestamp:          new(big.Int).Set(timestamp),
	}
}

// BlankStateLeaf returns the leaf stored at index 0 of every state tree.
func BlankStateLeaf() *StateLeaf {
	return NewStateLeaf(keys.PadKey, big.NewInt(0), big.NewInt(0))
}

// BlankStateLeafHash returns the hash of the blank leaf, which is also the
// zero value of the state tree.
func BlankStateLeafHash() *big.Int {
	h, err := BlankStateLeaf().Hash()
	if err != nil {
		panic(fmt.Sprintf("hash blank state leaf: %v", err))
	}
	return h
}

// AsCircuitInputs returns [pk.x, pk.y, balance, timestamp].
func (l *StateLeaf) AsCircuitInputs() []*big.Int {
	return []*big.Int{l.PubKey.X, l.PubKey.Y, l.VoiceCreditBalance, l.Timestamp}
}

// Hash returns the state tree leaf of l.
func (l *StateLeaf) Hash() (*big.Int, error) {
	return poseidon.Hash4(l.AsCircuitInputs()...)
}

func (l *StateLeaf) Copy() *StateLeaf {
	return NewStateLeaf(l.PubKey, l.VoiceCreditBalance, l.Timestamp)
}

func (l *StateLeaf) Equal(other *StateLeaf) bool {
	return l.PubKey.Equal(other.PubKey) &&
		l.VoiceCreditBalance.Cmp(other.VoiceCreditBalance) == 0 &&
		l.Timestamp.Cmp(other.Timestamp) == 0
}
