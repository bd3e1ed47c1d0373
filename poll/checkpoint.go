package poll

import (
	"fmt"

	"github.com/vocdoni/maci-coordinator/types"
)

// Checkpoint records how far a poll has been processed and tallied, with
// the roots and commitments reached at that point.
type Checkpoint struct {
	PollID                   uint64        `json:"pollId" cbor:"0,keyasint"`
	NumMessages              int           `json:"numMessages" cbor:"1,keyasint"`
	NumSignUps               int           `json:"numSignUps" cbor:"2,keyasint"`
	NumBatchesProcessed      int           `json:"numBatchesProcessed" cbor:"3,keyasint"`
	CurrentMessageBatchIndex int           `json:"currentMessageBatchIndex" cbor:"4,keyasint"`
	NumBatchesTallied        int           `json:"numBatchesTallied" cbor:"5,keyasint"`
	StateRoot                *types.BigInt `json:"stateRoot" cbor:"6,keyasint"`
	BallotRoot               *types.BigInt `json:"ballotRoot" cbor:"7,keyasint"`
	SbCommitment             *types.BigInt `json:"sbCommitment" cbor:"8,keyasint"`
	TallyCommitment          *types.BigInt `json:"tallyCommitment" cbor:"9,keyasint"`
}

// Checkpoint returns the current progress of a merged poll.
func (p *Poll) Checkpoint() (*Checkpoint, error) {
	sb, err := p.SbCommitment()
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		PollID:                   p.params.PollID,
		NumMessages:              len(p.messages),
		NumSignUps:               len(p.stateLeaves),
		NumBatchesProcessed:      p.numBatchesProcessed,
		CurrentMessageBatchIndex: p.currentMessageBatchIndex,
		NumBatchesTallied:        p.numBatchesTallied,
		StateRoot:                types.FromBig(p.stateTree.Root()),
		BallotRoot:               types.FromBig(p.ballotTree.Root()),
		SbCommitment:             types.FromBig(sb),
		TallyCommitment:          types.FromBig(p.tallyCommitment),
	}, nil
}

// Resume brings a freshly merged poll to the progress recorded in cp by
// replaying its batches, discarding their outputs, and checks that the
// replay reaches the recorded roots and commitments.
func (p *Poll) Resume(cp *Checkpoint) error {
	if !p.merged() {
		return ErrStateNotMerged
	}
	if p.numBatchesProcessed != 0 || p.numBatchesTallied != 0 {
		return fmt.Errorf("%w: resume a poll already processed", ErrInvalidStatus)
	}
	if cp.PollID != p.params.PollID || cp.NumMessages != len(p.messages) || cp.NumSignUps != len(p.stateLeaves) {
		return fmt.Errorf("%w: poll %d with %d messages and %d signups, checkpoint poll %d with %d messages and %d signups",
			ErrCheckpointMismatch, p.params.PollID, len(p.messages), len(p.stateLeaves),
			cp.PollID, cp.NumMessages, cp.NumSignUps)
	}
	for p.numBatchesProcessed < cp.NumBatchesProcessed {
		if _, err := p.ProcessMessages(); err != nil {
			return fmt.Errorf("%w: replay batch %d: %w", ErrCheckpointMismatch, p.numBatchesProcessed, err)
		}
	}
	for p.numBatchesTallied < cp.NumBatchesTallied {
		if _, err := p.TallyVotes(); err != nil {
			return fmt.Errorf("%w: replay tally batch %d: %w", ErrCheckpointMismatch, p.numBatchesTallied, err)
		}
	}
	got, err := p.Checkpoint()
	if err != nil {
		return err
	}
	switch {
	case got.CurrentMessageBatchIndex != cp.CurrentMessageBatchIndex:
		return fmt.Errorf("%w: message batch index %d, expected %d",
			ErrCheckpointMismatch, got.CurrentMessageBatchIndex, cp.CurrentMessageBatchIndex)
	case !got.StateRoot.Equal(cp.StateRoot):
		return fmt.Errorf("%w: state root %s, expected %s", ErrCheckpointMismatch, got.StateRoot, cp.StateRoot)
	case !got.BallotRoot.Equal(cp.BallotRoot):
		return fmt.Errorf("%w: ballot root %s, expected %s", ErrCheckpointMismatch, got.BallotRoot, cp.BallotRoot)
	case !got.SbCommitment.Equal(cp.SbCommitment):
		return fmt.Errorf("%w: sb commitment %s, expected %s", ErrCheckpointMismatch, got.SbCommitment, cp.SbCommitment)
	case !got.TallyCommitment.Equal(cp.TallyCommitment):
		return fmt.Errorf("%w: tally commitment %s, expected %s", ErrCheckpointMismatch, got.TallyCommitment, cp.TallyCommitment)
	}
	return nil
}
