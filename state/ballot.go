package state

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

// Ballot holds the votes a voter has cast in a poll, one weight per vote
// option, and the nonce of the last accepted command.
type Ballot struct {
	Nonce               uint64
	Votes               []*big.Int
	VoteOptionTreeDepth int
}

// NewBallot returns an empty ballot with room for 5^voteOptionTreeDepth
// options.
func NewBallot(voteOptionTreeDepth int) *Ballot {
	votes := make([]*big.Int, tree.Capacity(types.TreeArity, voteOptionTreeDepth))
	for i := range votes {
		votes[i] = big.NewInt(0)
	}
	return &Ballot{Votes: votes, VoteOptionTreeDepth: voteOptionTreeDepth}
}

// VoteOptionTree builds the tree holding the ballot votes.
func (b *Ballot) VoteOptionTree() (*tree.Tree, error) {
	t, err := tree.New(b.VoteOptionTreeDepth, big.NewInt(0), types.TreeArity)
	if err != nil {
		return nil, err
	}
	for i, v := range b.Votes {
		if err := t.Insert(v); err != nil {
			return nil, fmt.Errorf("insert vote %d: %w", i, err)
		}
	}
	return t, nil
}

// VoteOptionRoot returns the root of the ballot vote option tree.
func (b *Ballot) VoteOptionRoot() (*big.Int, error) {
	t, err := b.VoteOptionTree()
	if err != nil {
		return nil, err
	}
	return t.Root(), nil
}

// AsCircuitInputs returns [nonce, voteOptionRoot].
func (b *Ballot) AsCircuitInputs() ([]*big.Int, error) {
	root, err := b.VoteOptionRoot()
	if err != nil {
		return nil, err
	}
	return []*big.Int{new(big.Int).SetUint64(b.Nonce), root}, nil
}

// Hash returns the ballot tree leaf of b.
func (b *Ballot) Hash() (*big.Int, error) {
	inputs, err := b.AsCircuitInputs()
	if err != nil {
		return nil, err
	}
	return poseidon.HashLeftRight(inputs[0], inputs[1])
}

// Copy returns a deep copy of b.
func (b *Ballot) Copy() *Ballot {
	votes := make([]*big.Int, len(b.Votes))
	for i, v := range b.Votes {
		votes[i] = new(big.Int).Set(v)
	}
	return &Ballot{Nonce: b.Nonce, Votes: votes, VoteOptionTreeDepth: b.VoteOptionTreeDepth}
}

func (b *Ballot) Equal(other *Ballot) bool {
	if b.Nonce != other.Nonce || b.VoteOptionTreeDepth != other.VoteOptionTreeDepth ||
		len(b.Votes) != len(other.Votes) {
		return false
	}
	for i := range b.Votes {
		if b.Votes[i].Cmp(other.Votes[i]) != 0 {
			return false
		}
	}
	return true
}

// EmptyBallotHash returns the hash of a fresh ballot, the zero value of the
// ballot tree.
func EmptyBallotHash(voteOptionTreeDepth int) (*big.Int, error) {
	return NewBallot(voteOptionTreeDepth).Hash()
}
