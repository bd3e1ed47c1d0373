package poll

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/state"
	"github.com/vocdoni/maci-coordinator/types"
)

// TallyBatch is the outcome of one tally batch.
type TallyBatch struct {
	Index                  int
	StartIndex             int
	CurrentTallyCommitment *big.Int
	NewTallyCommitment     *big.Int
	Inputs                 *circuits.TallyVotesInputs
}

// HasUntalliedBallots reports whether TallyVotes has batches left.
func (p *Poll) HasUntalliedBallots() bool {
	return p.merged() && p.numBatchesTallied*p.batchSizes.TallyBatchSize < len(p.ballots)
}

// tallyCommitments returns the results, spent and per vote option
// commitments of the running tally with the given salts.
func (p *Poll) tallyCommitments(resultsSalt, spentSalt, perVOSalt *big.Int) (results, spent, perVO *big.Int, err error) {
	depth := p.params.TreeDepths.VoteOptionTreeDepth
	if results, err = circuits.RootCommitment(p.results, resultsSalt, depth); err != nil {
		return nil, nil, nil, err
	}
	if spent, err = circuits.SpentCommitment(p.totalSpent, spentSalt); err != nil {
		return nil, nil, nil, err
	}
	perVO = big.NewInt(0)
	if p.acct.quadratic() {
		if perVO, err = circuits.RootCommitment(p.perVOSpent, perVOSalt, depth); err != nil {
			return nil, nil, nil, err
		}
	}
	return results, spent, perVO, nil
}

// TallyVotes counts the next batch of ballots, in ascending ballot index.
// All messages must be processed first.
func (p *Poll) TallyVotes() (*TallyBatch, error) {
	switch {
	case !p.merged():
		return nil, ErrStateNotMerged
	case p.HasUnprocessedMessages():
		return nil, ErrMessagesNotProcessed
	case !p.HasUntalliedBallots():
		return nil, ErrNoUntalliedBallots
	}
	bs := p.batchSizes.TallyBatchSize
	start := p.numBatchesTallied * bs
	quadratic := p.acct.quadratic()

	currentTally := big.NewInt(0)
	if start > 0 {
		results, spent, perVO, err := p.tallyCommitments(p.resultsSalt, p.spentSalt, p.perVOSalt)
		if err != nil {
			return nil, err
		}
		if currentTally, err = p.acct.tallyCommitment(results, spent, perVO); err != nil {
			return nil, err
		}
	}
	inputs := &circuits.TallyVotesInputs{
		CurrentResults:                      types.FromBigs(p.results),
		CurrentResultsRootSalt:              types.FromBig(p.resultsSalt),
		CurrentSpentVoiceCreditSubtotal:     types.FromBig(p.totalSpent),
		CurrentSpentVoiceCreditSubtotalSalt: types.FromBig(p.spentSalt),
	}
	if quadratic {
		inputs.CurrentPerVOSpentVoiceCredits = types.FromBigs(p.perVOSpent)
		inputs.CurrentPerVOSpentVoiceCreditsRootSalt = types.FromBig(p.perVOSalt)
	}

	empty := state.NewBallot(p.params.TreeDepths.VoteOptionTreeDepth)
	for i := start; i < start+bs; i++ {
		ballot := empty
		if i < len(p.ballots) {
			ballot = p.ballots[i]
			for j, v := range ballot.Votes {
				cost := p.acct.cost(v)
				p.results[j].Add(p.results[j], v)
				p.perVOSpent[j].Add(p.perVOSpent[j], cost)
				p.totalSpent.Add(p.totalSpent, cost)
			}
		}
		ballotInputs, err := ballot.AsCircuitInputs()
		if err != nil {
			return nil, err
		}
		inputs.Ballots = append(inputs.Ballots, types.FromBigs(ballotInputs))
		inputs.Votes = append(inputs.Votes, types.FromBigs(ballot.Votes))
	}

	counted := min(start+bs, len(p.ballots))
	var err error
	if p.resultsSalt, err = p.salt(saltDomainResults, counted); err != nil {
		return nil, err
	}
	if p.spentSalt, err = p.salt(saltDomainSpent, counted); err != nil {
		return nil, err
	}
	if p.perVOSalt, err = p.salt(saltDomainPerVO, counted); err != nil {
		return nil, err
	}
	results, spent, perVO, err := p.tallyCommitments(p.resultsSalt, p.spentSalt, p.perVOSalt)
	if err != nil {
		return nil, err
	}
	newTally, err := p.acct.tallyCommitment(results, spent, perVO)
	if err != nil {
		return nil, err
	}

	sb, err := sbCommitment(p.stateTree.Root(), p.ballotTree.Root(), p.sbSalt)
	if err != nil {
		return nil, err
	}
	subroot, err := p.ballotTree.SubrootProof(start, start+bs)
	if err != nil {
		return nil, fmt.Errorf("ballot subroot proof: %w", err)
	}
	packedVals := big.NewInt(int64(start / bs))
	packedVals.Add(packedVals, new(big.Int).Lsh(big.NewInt(int64(len(p.stateLeaves))), 50))

	inputs.StateRoot = types.FromBig(p.stateTree.Root())
	inputs.BallotRoot = types.FromBig(p.ballotTree.Root())
	inputs.SbSalt = types.FromBig(p.sbSalt)
	inputs.SbCommitment = types.FromBig(sb)
	inputs.CurrentTallyCommitment = types.FromBig(currentTally)
	inputs.NewTallyCommitment = types.FromBig(newTally)
	inputs.PackedVals = types.FromBig(packedVals)
	inputs.InputHash = types.FromBig(poseidon.Sha256Hash(packedVals, sb, currentTally, newTally))
	inputs.BallotPathElements = types.FromBigMatrix(subroot.PathElements)
	inputs.NewResultsRootSalt = types.FromBig(p.resultsSalt)
	inputs.NewSpentVoiceCreditSubtotalSalt = types.FromBig(p.spentSalt)
	if quadratic {
		inputs.NewPerVOSpentVoiceCreditsRootSalt = types.FromBig(p.perVOSalt)
	}

	batch := &TallyBatch{
		Index:                  p.numBatchesTallied,
		StartIndex:             start,
		CurrentTallyCommitment: currentTally,
		NewTallyCommitment:     newTally,
		Inputs:                 inputs,
	}
	p.numBatchesTallied++
	p.tallyCommitment = newTally
	if !p.HasUntalliedBallots() {
		p.status = StatusTallied
	}
	log.Debugw("tally batch processed",
		"pollID", p.params.PollID,
		"batch", batch.Index,
		"start", start,
		"tallyCommitment", newTally.String())
	return batch, nil
}

// Results returns the final tally document.
func (p *Poll) Results() (*circuits.TallyResult, error) {
	if p.status != StatusTallied {
		return nil, fmt.Errorf("%w: results in status %s", ErrInvalidStatus, p.status)
	}
	results, spent, perVO, err := p.tallyCommitments(p.resultsSalt, p.spentSalt, p.perVOSalt)
	if err != nil {
		return nil, err
	}
	r := &circuits.TallyResult{
		PollID:             p.params.PollID,
		IsQuadratic:        p.acct.quadratic(),
		NewTallyCommitment: types.FromBig(p.tallyCommitment),
		Results: circuits.TallyValues{
			Tally:      types.FromBigs(p.results),
			Salt:       types.FromBig(p.resultsSalt),
			Commitment: types.FromBig(results),
		},
		TotalSpentVoiceCredits: circuits.SpentValues{
			Spent:      types.FromBig(p.totalSpent),
			Salt:       types.FromBig(p.spentSalt),
			Commitment: types.FromBig(spent),
		},
	}
	if p.acct.quadratic() {
		r.PerVOSpentVoiceCredits = &circuits.TallyValues{
			Tally:      types.FromBigs(p.perVOSpent),
			Salt:       types.FromBig(p.perVOSalt),
			Commitment: types.FromBig(perVO),
		}
	}
	return r, nil
}

// TallyAll runs every remaining tally batch and returns the final tally
// document.
func (p *Poll) TallyAll() (*circuits.TallyResult, error) {
	for p.HasUntalliedBallots() {
		if _, err := p.TallyVotes(); err != nil {
			return nil, err
		}
	}
	return p.Results()
}
