// Package circuits defines the input documents of the process messages and
// tally votes circuits, the final tally document and the commitments they
// share.
package circuits

import (
	"github.com/vocdoni/maci-coordinator/types"
)

// ProcessMessagesInputs is the witness of one message processing batch. The
// JSON field names match the circuit signal names.
type ProcessMessagesInputs struct {
	PollEndTimestamp       *types.BigInt     `json:"pollEndTimestamp"`
	PackedVals             *types.BigInt     `json:"packedVals"`
	MsgRoot                *types.BigInt     `json:"msgRoot"`
	Msgs                   [][]*types.BigInt `json:"msgs"`
	MsgSubrootPathElements [][]*types.BigInt `json:"msgSubrootPathElements"`
	CoordPrivKey           *types.BigInt     `json:"coordPrivKey"`
	CoordPubKey            []*types.BigInt   `json:"coordPubKey"`
	EncPubKeys             [][]*types.BigInt `json:"encPubKeys"`

	CurrentStateRoot    *types.BigInt `json:"currentStateRoot"`
	CurrentBallotRoot   *types.BigInt `json:"currentBallotRoot"`
	CurrentSbCommitment *types.BigInt `json:"currentSbCommitment"`
	CurrentSbSalt       *types.BigInt `json:"currentSbSalt"`

	CurrentStateLeaves             [][]*types.BigInt   `json:"currentStateLeaves"`
	CurrentStateLeavesPathElements [][][]*types.BigInt `json:"currentStateLeavesPathElements"`
	CurrentBallots                 [][]*types.BigInt   `json:"currentBallots"`
	CurrentBallotsPathElements     [][][]*types.BigInt `json:"currentBallotsPathElements"`
	CurrentVoteWeights             []*types.BigInt     `json:"currentVoteWeights"`
	CurrentVoteWeightsPathElements [][][]*types.BigInt `json:"currentVoteWeightsPathElements"`

	NewSbSalt       *types.BigInt `json:"newSbSalt"`
	NewSbCommitment *types.BigInt `json:"newSbCommitment"`
	InputHash       *types.BigInt `json:"inputHash"`
}

// TallyVotesInputs is the witness of one tally batch. The per vote option
// spent credits fields are only set for quadratic polls.
type TallyVotesInputs struct {
	StateRoot              *types.BigInt `json:"stateRoot"`
	BallotRoot             *types.BigInt `json:"ballotRoot"`
	SbSalt                 *types.BigInt `json:"sbSalt"`
	SbCommitment           *types.BigInt `json:"sbCommitment"`
	CurrentTallyCommitment *types.BigInt `json:"currentTallyCommitment"`
	NewTallyCommitment     *types.BigInt `json:"newTallyCommitment"`
	PackedVals             *types.BigInt `json:"packedVals"`
	InputHash              *types.BigInt `json:"inputHash"`

	Ballots            [][]*types.BigInt `json:"ballots"`
	BallotPathElements [][]*types.BigInt `json:"ballotPathElements"`
	Votes              [][]*types.BigInt `json:"votes"`

	CurrentResults                        []*types.BigInt `json:"currentResults"`
	CurrentResultsRootSalt                *types.BigInt   `json:"currentResultsRootSalt"`
	CurrentSpentVoiceCreditSubtotal       *types.BigInt   `json:"currentSpentVoiceCreditSubtotal"`
	CurrentSpentVoiceCreditSubtotalSalt   *types.BigInt   `json:"currentSpentVoiceCreditSubtotalSalt"`
	CurrentPerVOSpentVoiceCredits         []*types.BigInt `json:"currentPerVOSpentVoiceCredits,omitempty"`
	CurrentPerVOSpentVoiceCreditsRootSalt *types.BigInt   `json:"currentPerVOSpentVoiceCreditsRootSalt,omitempty"`
	NewResultsRootSalt                    *types.BigInt   `json:"newResultsRootSalt"`
	NewPerVOSpentVoiceCreditsRootSalt     *types.BigInt   `json:"newPerVOSpentVoiceCreditsRootSalt,omitempty"`
	NewSpentVoiceCreditSubtotalSalt       *types.BigInt   `json:"newSpentVoiceCreditSubtotalSalt"`
}
