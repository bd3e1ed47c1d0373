package poll

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/command"
	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/state"
	"github.com/vocdoni/maci-coordinator/types"
)

// Reasons a command is rejected. A rejected command leaves the state
// untouched.
var (
	ErrUndecryptable            = errors.New("message cannot be decrypted")
	ErrInvalidStateLeafIndex    = errors.New("invalid state leaf index")
	ErrInvalidSignature         = errors.New("invalid command signature")
	ErrNonceMismatch            = errors.New("command nonce mismatch")
	ErrVoteOptionOutOfRange     = errors.New("vote option index out of range")
	ErrInsufficientVoiceCredits = errors.New("insufficient voice credits")
	ErrVoteWeightReplacement    = errors.New("vote weight replacement not allowed")
)

// Rejection records a message of a batch that was processed as a no-op.
type Rejection struct {
	MessageIndex int
	Reason       error
}

// ProcessBatch is the outcome of one message processing batch.
type ProcessBatch struct {
	Index            int
	StartIndex       int
	PreStateRoot     *big.Int
	PostStateRoot    *big.Int
	PreBallotRoot    *big.Int
	PostBallotRoot   *big.Int
	PreSbCommitment  *big.Int
	PostSbCommitment *big.Int
	Rejected         []Rejection
	Inputs           *circuits.ProcessMessagesInputs
}

// witnessSlot is what a message contributes to the batch witness: the state
// leaf and ballot it touches, as they were before, with their paths.
type witnessSlot struct {
	leaf           *state.StateLeaf
	leafPath       [][]*big.Int
	ballot         *state.Ballot
	ballotPath     [][]*big.Int
	voteWeight     *big.Int
	voteWeightPath [][]*big.Int
}

type transition struct {
	stateIndex int
	newLeaf    *state.StateLeaf
	newBallot  *state.Ballot
	slot       *witnessSlot
}

func sbCommitment(stateRoot, ballotRoot, salt *big.Int) (*big.Int, error) {
	return circuits.SbCommitment(stateRoot, ballotRoot, salt)
}

const (
	saltDomainSb = iota + 1
	saltDomainResults
	saltDomainSpent
	saltDomainPerVO
)

// salt derives a salt from the coordinator key, so replaying the same
// events yields the same commitments.
func (p *Poll) salt(domain, index int) (*big.Int, error) {
	if p.coordinator == nil {
		return nil, ErrNoCoordinatorKey
	}
	return poseidon.Hash4(
		p.coordinator.PrivKeyScalar(),
		new(big.Int).SetUint64(p.params.PollID),
		big.NewInt(int64(domain)),
		big.NewInt(int64(index)),
	)
}

// totalMessageBatches returns the number of processing batches, at least one
// even without messages.
func (p *Poll) totalMessageBatches() int {
	n, bs := len(p.messages), p.batchSizes.MessageBatchSize
	if n <= bs {
		return 1
	}
	return (n + bs - 1) / bs
}

// HasUnprocessedMessages reports whether ProcessMessages has batches left.
func (p *Poll) HasUnprocessedMessages() bool {
	return p.merged() && p.numBatchesProcessed < p.totalMessageBatches()
}

// firstBatchIndex returns the start index of the first batch processed, the
// newest slice of the log.
func (p *Poll) firstBatchIndex() int {
	n, bs := len(p.messages), p.batchSizes.MessageBatchSize
	if n == 0 {
		return 0
	}
	if r := n % bs; r != 0 {
		return n - r
	}
	return n - bs
}

// ProcessMessages processes the next batch of messages, from the newest batch
// to the oldest and, inside a batch, from the highest index to the lowest.
func (p *Poll) ProcessMessages() (*ProcessBatch, error) {
	switch {
	case !p.merged():
		return nil, ErrStateNotMerged
	case p.coordinator == nil:
		return nil, ErrNoCoordinatorKey
	case !p.HasUnprocessedMessages():
		return nil, ErrNoUnprocessedMessages
	}
	bs := p.batchSizes.MessageBatchSize
	if p.numBatchesProcessed == 0 {
		p.currentMessageBatchIndex = p.firstBatchIndex()
		p.sbSalt = big.NewInt(0)
	}
	start := p.currentMessageBatchIndex
	inputs, err := p.processInputsPartial(start)
	if err != nil {
		return nil, err
	}
	batch := &ProcessBatch{
		Index:           p.numBatchesProcessed,
		StartIndex:      start,
		PreStateRoot:    p.stateTree.Root(),
		PreBallotRoot:   p.ballotTree.Root(),
		PreSbCommitment: inputs.CurrentSbCommitment.MathBigInt(),
	}

	slots := make([]*witnessSlot, bs)
	for i := range bs {
		idx := start + bs - 1 - i
		t, err := p.processMessage(idx)
		if err != nil {
			if idx < len(p.messages) {
				batch.Rejected = append(batch.Rejected, Rejection{MessageIndex: idx, Reason: err})
				log.Debugw("command rejected",
					"pollID", p.params.PollID,
					"message", idx,
					"reason", err.Error())
			}
			if slots[idx-start], err = p.noopSlot(); err != nil {
				return nil, err
			}
			continue
		}
		slots[idx-start] = t.slot
		if err := p.apply(t); err != nil {
			return nil, err
		}
	}
	for _, s := range slots {
		ballotInputs, err := s.ballot.AsCircuitInputs()
		if err != nil {
			return nil, err
		}
		inputs.CurrentStateLeaves = append(inputs.CurrentStateLeaves, types.FromBigs(s.leaf.AsCircuitInputs()))
		inputs.CurrentStateLeavesPathElements = append(inputs.CurrentStateLeavesPathElements, types.FromBigMatrix(s.leafPath))
		inputs.CurrentBallots = append(inputs.CurrentBallots, types.FromBigs(ballotInputs))
		inputs.CurrentBallotsPathElements = append(inputs.CurrentBallotsPathElements, types.FromBigMatrix(s.ballotPath))
		inputs.CurrentVoteWeights = append(inputs.CurrentVoteWeights, types.FromBig(s.voteWeight))
		inputs.CurrentVoteWeightsPathElements = append(inputs.CurrentVoteWeightsPathElements, types.FromBigMatrix(s.voteWeightPath))
	}

	p.numBatchesProcessed++
	if p.currentMessageBatchIndex > 0 {
		p.currentMessageBatchIndex -= bs
	}
	newSalt, err := p.salt(saltDomainSb, p.numBatchesProcessed)
	if err != nil {
		return nil, err
	}
	newSb, err := sbCommitment(p.stateTree.Root(), p.ballotTree.Root(), newSalt)
	if err != nil {
		return nil, err
	}
	p.sbSalt = newSalt
	coordPubKeyHash, err := p.coordinator.PubKey.Hash()
	if err != nil {
		return nil, err
	}
	inputs.NewSbSalt = types.FromBig(newSalt)
	inputs.NewSbCommitment = types.FromBig(newSb)
	inputs.InputHash = types.FromBig(poseidon.Sha256Hash(
		inputs.PackedVals.MathBigInt(),
		coordPubKeyHash,
		inputs.MsgRoot.MathBigInt(),
		inputs.CurrentSbCommitment.MathBigInt(),
		newSb,
		new(big.Int).SetUint64(p.params.EndTimestamp),
	))

	batch.PostStateRoot = p.stateTree.Root()
	batch.PostBallotRoot = p.ballotTree.Root()
	batch.PostSbCommitment = newSb
	batch.Inputs = inputs
	if p.HasUnprocessedMessages() {
		p.status = StatusProcessing
	} else {
		p.status = StatusTallying
	}
	log.Debugw("message batch processed",
		"pollID", p.params.PollID,
		"batch", batch.Index,
		"start", start,
		"rejected", len(batch.Rejected),
		"stateRoot", batch.PostStateRoot.String())
	return batch, nil
}

// processInputsPartial builds the circuit inputs that do not depend on the
// messages outcome.
func (p *Poll) processInputsPartial(start int) (*circuits.ProcessMessagesInputs, error) {
	bs := p.batchSizes.MessageBatchSize
	n := len(p.messages)
	subroot, err := p.messageTree.SubrootProof(start, start+bs)
	if err != nil {
		return nil, fmt.Errorf("message subroot proof: %w", err)
	}
	msgs := make([][]*types.BigInt, bs)
	encPubKeys := make([][]*types.BigInt, bs)
	for i := range bs {
		msg, encPubKey := p.paddedMessage(start + i)
		msgs[i] = types.FromBigs(msg.AsCircuitInputs())
		encPubKeys[i] = types.FromBigs(encPubKey.AsArray())
	}
	batchEnd := min(start+bs, n)
	packedVals := big.NewInt(int64(p.params.MaxVoteOptions))
	packedVals.Add(packedVals, new(big.Int).Lsh(big.NewInt(int64(len(p.stateLeaves))), 50))
	packedVals.Add(packedVals, new(big.Int).Lsh(big.NewInt(int64(start)), 100))
	packedVals.Add(packedVals, new(big.Int).Lsh(big.NewInt(int64(batchEnd)), 150))

	currentSb, err := sbCommitment(p.stateTree.Root(), p.ballotTree.Root(), p.sbSalt)
	if err != nil {
		return nil, err
	}
	return &circuits.ProcessMessagesInputs{
		PollEndTimestamp:       types.FromBig(new(big.Int).SetUint64(p.params.EndTimestamp)),
		PackedVals:             types.FromBig(packedVals),
		MsgRoot:                types.FromBig(p.messageRoot),
		Msgs:                   msgs,
		MsgSubrootPathElements: types.FromBigMatrix(subroot.PathElements),
		CoordPrivKey:           types.FromBig(p.coordinator.PrivKeyScalar()),
		CoordPubKey:            types.FromBigs(p.coordinator.PubKey.AsArray()),
		EncPubKeys:             encPubKeys,
		CurrentStateRoot:       types.FromBig(p.stateTree.Root()),
		CurrentBallotRoot:      types.FromBig(p.ballotTree.Root()),
		CurrentSbCommitment:    types.FromBig(currentSb),
		CurrentSbSalt:          types.FromBig(p.sbSalt),
	}, nil
}

// paddedMessage returns the message at index, repeating the last message of
// the log beyond its end. An empty log pads with a zero message sent with
// the padding key.
func (p *Poll) paddedMessage(index int) (*command.Message, keys.PublicKey) {
	if n := len(p.messages); n == 0 {
		return &command.Message{Data: zeroValues(command.MessageLength)}, keys.PadKey
	} else if index >= n {
		index = n - 1
	}
	return p.messages[index], p.encPubKeys[index]
}

// processMessage validates the command at index against the current state
// and returns the transition it causes. Any error means the message is a
// no-op.
func (p *Poll) processMessage(index int) (*transition, error) {
	if index >= len(p.messages) {
		return nil, fmt.Errorf("padding position %d", index)
	}
	d := p.commands[index]
	if d.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecryptable, d.err)
	}
	cmd, sig := d.cmd, d.sig
	if cmd.StateIndex < 1 || cmd.StateIndex >= uint64(len(p.ballots)) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStateLeafIndex, cmd.StateIndex)
	}
	stateIndex := int(cmd.StateIndex)
	leaf := p.stateLeaves[stateIndex]
	ballot := p.ballots[stateIndex]

	if !cmd.VerifySignature(sig, leaf.PubKey) {
		return nil, ErrInvalidSignature
	}
	if cmd.Nonce != ballot.Nonce+1 {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrNonceMismatch, cmd.Nonce, ballot.Nonce+1)
	}
	if cmd.VoteOptionIndex >= uint64(p.params.MaxVoteOptions) {
		return nil, fmt.Errorf("%w: %d", ErrVoteOptionOutOfRange, cmd.VoteOptionIndex)
	}
	voteOption := int(cmd.VoteOptionIndex)
	previous := ballot.Votes[voteOption]
	weight := new(big.Int).SetUint64(cmd.NewVoteWeight)
	balance := p.acct.balanceAfter(leaf.VoiceCreditBalance, previous, weight)
	if balance.Sign() < 0 {
		return nil, fmt.Errorf("%w: short by %s", ErrInsufficientVoiceCredits, new(big.Int).Neg(balance))
	}
	if err := p.acct.checkReplacement(previous, weight); err != nil {
		return nil, err
	}

	slot, err := p.slotFor(stateIndex, voteOption)
	if err != nil {
		return nil, err
	}
	newLeaf := state.NewStateLeaf(cmd.NewPubKey, balance, leaf.Timestamp)
	newBallot := ballot.Copy()
	newBallot.Nonce++
	newBallot.Votes[voteOption] = weight
	return &transition{
		stateIndex: stateIndex,
		newLeaf:    newLeaf,
		newBallot:  newBallot,
		slot:       slot,
	}, nil
}

// slotFor captures the current leaf and ballot at stateIndex with their
// paths, and the vote weight path of voteOption.
func (p *Poll) slotFor(stateIndex, voteOption int) (*witnessSlot, error) {
	leafProof, err := p.stateTree.Proof(stateIndex)
	if err != nil {
		return nil, err
	}
	ballotProof, err := p.ballotTree.Proof(stateIndex)
	if err != nil {
		return nil, err
	}
	ballot := p.ballots[stateIndex]
	voteTree, err := ballot.VoteOptionTree()
	if err != nil {
		return nil, err
	}
	voteProof, err := voteTree.Proof(voteOption)
	if err != nil {
		return nil, err
	}
	return &witnessSlot{
		leaf:           p.stateLeaves[stateIndex].Copy(),
		leafPath:       leafProof.PathElements,
		ballot:         ballot.Copy(),
		ballotPath:     ballotProof.PathElements,
		voteWeight:     new(big.Int).Set(ballot.Votes[voteOption]),
		voteWeightPath: voteProof.PathElements,
	}, nil
}

// noopSlot is the witness of a rejected or padding message: the blank leaf,
// the first ballot and its first vote option.
func (p *Poll) noopSlot() (*witnessSlot, error) {
	return p.slotFor(0, 0)
}

func (p *Poll) apply(t *transition) error {
	leafHash, err := t.newLeaf.Hash()
	if err != nil {
		return err
	}
	ballotHash, err := t.newBallot.Hash()
	if err != nil {
		return err
	}
	if err := p.stateTree.Update(t.stateIndex, leafHash); err != nil {
		return err
	}
	if err := p.ballotTree.Update(t.stateIndex, ballotHash); err != nil {
		return err
	}
	p.stateLeaves[t.stateIndex] = t.newLeaf
	p.ballots[t.stateIndex] = t.newBallot
	return nil
}

// ProcessAllMessages processes every remaining batch on a copy of the poll
// and returns the resulting state leaves and ballots. The poll itself is not
// modified.
func (p *Poll) ProcessAllMessages() ([]*state.StateLeaf, []*state.Ballot, error) {
	cp := p.Copy()
	for cp.HasUnprocessedMessages() {
		if _, err := cp.ProcessMessages(); err != nil {
			return nil, nil, err
		}
	}
	if !cp.merged() {
		return nil, nil, ErrStateNotMerged
	}
	return cp.stateLeaves, cp.ballots, nil
}
