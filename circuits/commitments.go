package circuits

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

var ErrTallyCommitmentMismatch = errors.New("tally commitment mismatch")

// VoteOptionRoot returns the root of a vote option tree of the given depth
// holding values.
func VoteOptionRoot(values []*big.Int, depth int) (*big.Int, error) {
	t, err := tree.New(depth, big.NewInt(0), types.TreeArity)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if err := t.Insert(v); err != nil {
			return nil, fmt.Errorf("insert value %d: %w", i, err)
		}
	}
	return t.Root(), nil
}

// SbCommitment commits to the state and ballot roots.
func SbCommitment(stateRoot, ballotRoot, salt *big.Int) (*big.Int, error) {
	return poseidon.Hash3(stateRoot, ballotRoot, salt)
}

// RootCommitment returns hashLeftRight(voteOptionRoot(values), salt), used
// for the results and the per vote option spent credits.
func RootCommitment(values []*big.Int, salt *big.Int, depth int) (*big.Int, error) {
	root, err := VoteOptionRoot(values, depth)
	if err != nil {
		return nil, err
	}
	return poseidon.HashLeftRight(root, salt)
}

// SpentCommitment returns hashLeftRight(total, salt).
func SpentCommitment(total, salt *big.Int) (*big.Int, error) {
	return poseidon.HashLeftRight(total, salt)
}

// TallyCommitment combines the partial commitments. Non quadratic polls do
// not commit to per vote option spent credits and perVO is ignored.
func TallyCommitment(quadratic bool, results, spent, perVO *big.Int) (*big.Int, error) {
	if quadratic {
		return poseidon.Hash3(results, spent, perVO)
	}
	return poseidon.HashLeftRight(results, spent)
}
