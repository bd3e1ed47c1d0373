package poll

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/types"
)

// accounting is the voting mode of a poll: how much a vote weight costs,
// whether a cast vote may be replaced and how the tally is committed.
type accounting struct {
	mode types.Mode
}

func newAccounting(mode types.Mode) accounting {
	return accounting{mode: mode}
}

func (a accounting) quadratic() bool { return a.mode == types.ModeQV }

// cost returns the voice credits spent on a vote weight: w² for quadratic
// polls, w otherwise.
func (a accounting) cost(weight *big.Int) *big.Int {
	if a.quadratic() {
		return new(big.Int).Mul(weight, weight)
	}
	return new(big.Int).Set(weight)
}

// checkReplacement rejects changing an already cast non quadratic vote to a
// different weight.
func (a accounting) checkReplacement(previous, next *big.Int) error {
	if a.quadratic() || previous.Sign() == 0 || previous.Cmp(next) == 0 {
		return nil
	}
	return fmt.Errorf("%w: option already holds weight %s", ErrVoteWeightReplacement, previous)
}

// balanceAfter returns the balance left after replacing previous by next,
// which is negative when the voter cannot afford it.
func (a accounting) balanceAfter(balance, previous, next *big.Int) *big.Int {
	left := new(big.Int).Add(balance, a.cost(previous))
	return left.Sub(left, a.cost(next))
}

// tallyCommitment combines the results, spent and per vote option spent
// commitments.
func (a accounting) tallyCommitment(results, spent, perVO *big.Int) (*big.Int, error) {
	return circuits.TallyCommitment(a.quadratic(), results, spent, perVO)
}
