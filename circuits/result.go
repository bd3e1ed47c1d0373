package circuits

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/types"
)

// TallyValues is a per vote option array with its salt and commitment.
type TallyValues struct {
	Tally      []*types.BigInt `json:"tally"`
	Salt       *types.BigInt   `json:"salt"`
	Commitment *types.BigInt   `json:"commitment"`
}

// SpentValues is the total of spent voice credits with its salt and
// commitment.
type SpentValues struct {
	Spent      *types.BigInt `json:"spent"`
	Salt       *types.BigInt `json:"salt"`
	Commitment *types.BigInt `json:"commitment"`
}

// TallyResult is the final tally document of a poll. PerVOSpentVoiceCredits
// is nil for non quadratic polls.
type TallyResult struct {
	PollID                 uint64        `json:"pollId"`
	IsQuadratic            bool          `json:"isQuadratic"`
	NewTallyCommitment     *types.BigInt `json:"newTallyCommitment"`
	Results                TallyValues   `json:"results"`
	TotalSpentVoiceCredits SpentValues   `json:"totalSpentVoiceCredits"`
	PerVOSpentVoiceCredits *TallyValues  `json:"perVOSpentVoiceCredits,omitempty"`
}

// Verify recomputes every commitment of the document from its values and
// salts.
func (r *TallyResult) Verify(voteOptionTreeDepth int) error {
	results, err := RootCommitment(types.ToBigs(r.Results.Tally), r.Results.Salt.MathBigInt(), voteOptionTreeDepth)
	if err != nil {
		return err
	}
	if results.Cmp(r.Results.Commitment.MathBigInt()) != 0 {
		return fmt.Errorf("%w: results", ErrTallyCommitmentMismatch)
	}
	spent, err := SpentCommitment(r.TotalSpentVoiceCredits.Spent.MathBigInt(), r.TotalSpentVoiceCredits.Salt.MathBigInt())
	if err != nil {
		return err
	}
	if spent.Cmp(r.TotalSpentVoiceCredits.Commitment.MathBigInt()) != 0 {
		return fmt.Errorf("%w: total spent voice credits", ErrTallyCommitmentMismatch)
	}
	perVO := big.NewInt(0)
	if r.IsQuadratic {
		if r.PerVOSpentVoiceCredits == nil {
			return fmt.Errorf("%w: missing per vote option spent voice credits", ErrTallyCommitmentMismatch)
		}
		perVO, err = RootCommitment(types.ToBigs(r.PerVOSpentVoiceCredits.Tally),
			r.PerVOSpentVoiceCredits.Salt.MathBigInt(), voteOptionTreeDepth)
		if err != nil {
			return err
		}
		if perVO.Cmp(r.PerVOSpentVoiceCredits.Commitment.MathBigInt()) != 0 {
			return fmt.Errorf("%w: per vote option spent voice credits", ErrTallyCommitmentMismatch)
		}
	}
	tally, err := TallyCommitment(r.IsQuadratic, results, spent, perVO)
	if err != nil {
		return err
	}
	if tally.Cmp(r.NewTallyCommitment.MathBigInt()) != 0 {
		return fmt.Errorf("%w: tally", ErrTallyCommitmentMismatch)
	}
	return nil
}
