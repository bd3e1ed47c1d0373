package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/poll"
	"github.com/vocdoni/maci-coordinator/types"
)

// Rejection is a no-op command of a stored batch with the reason it was
// rejected.
type Rejection struct {
	MessageIndex int    `json:"messageIndex"`
	Reason       string `json:"reason"`
}

// ProcessBatchRecord is a stored message processing batch: its position,
// the roots before and after it, and the circuit inputs.
type ProcessBatchRecord struct {
	PollID           uint64                          `json:"pollId"`
	Circuit          circuits.Circuit                `json:"circuit"`
	Index            int                             `json:"index"`
	StartIndex       int                             `json:"startIndex"`
	PreStateRoot     *types.BigInt                   `json:"preStateRoot"`
	PostStateRoot    *types.BigInt                   `json:"postStateRoot"`
	PreBallotRoot    *types.BigInt                   `json:"preBallotRoot"`
	PostBallotRoot   *types.BigInt                   `json:"postBallotRoot"`
	PreSbCommitment  *types.BigInt                   `json:"preSbCommitment"`
	PostSbCommitment *types.BigInt                   `json:"postSbCommitment"`
	Rejected         []Rejection                     `json:"rejected,omitempty"`
	Inputs           *circuits.ProcessMessagesInputs `json:"inputs"`
}

// NewProcessBatchRecord converts a batch of pollID for storage.
func NewProcessBatchRecord(pollID uint64, circuit circuits.Circuit, b *poll.ProcessBatch) *ProcessBatchRecord {
	r := &ProcessBatchRecord{
		PollID:           pollID,
		Circuit:          circuit,
		Index:            b.Index,
		StartIndex:       b.StartIndex,
		PreStateRoot:     types.FromBig(b.PreStateRoot),
		PostStateRoot:    types.FromBig(b.PostStateRoot),
		PreBallotRoot:    types.FromBig(b.PreBallotRoot),
		PostBallotRoot:   types.FromBig(b.PostBallotRoot),
		PreSbCommitment:  types.FromBig(b.PreSbCommitment),
		PostSbCommitment: types.FromBig(b.PostSbCommitment),
		Inputs:           b.Inputs,
	}
	for _, rej := range b.Rejected {
		r.Rejected = append(r.Rejected, Rejection{MessageIndex: rej.MessageIndex, Reason: rej.Reason.Error()})
	}
	return r
}

// TallyBatchRecord is a stored tally batch.
type TallyBatchRecord struct {
	PollID                 uint64                     `json:"pollId"`
	Circuit                circuits.Circuit           `json:"circuit"`
	Index                  int                        `json:"index"`
	StartIndex             int                        `json:"startIndex"`
	CurrentTallyCommitment *types.BigInt              `json:"currentTallyCommitment"`
	NewTallyCommitment     *types.BigInt              `json:"newTallyCommitment"`
	Inputs                 *circuits.TallyVotesInputs `json:"inputs"`
}

// NewTallyBatchRecord converts a tally batch of pollID for storage.
func NewTallyBatchRecord(pollID uint64, circuit circuits.Circuit, b *poll.TallyBatch) *TallyBatchRecord {
	return &TallyBatchRecord{
		PollID:                 pollID,
		Circuit:                circuit,
		Index:                  b.Index,
		StartIndex:             b.StartIndex,
		CurrentTallyCommitment: types.FromBig(b.CurrentTallyCommitment),
		NewTallyCommitment:     types.FromBig(b.NewTallyCommitment),
		Inputs:                 b.Inputs,
	}
}

// Proof is a Groth16 proof of a stored batch together with its public
// signals, as produced by the prover.
type Proof struct {
	Circuit       circuits.Circuit `json:"circuit"`
	PollID        uint64           `json:"pollId"`
	Index         int              `json:"index"`
	Proof         string           `json:"proof"`
	PublicSignals string           `json:"publicSignals"`
}

// SetCheckpoint stores the checkpoint of a poll.
func (s *Storage) SetCheckpoint(cp *poll.Checkpoint) error {
	return s.setArtifacts(checkpointArtifact(cp))
}

func checkpointArtifact(cp *poll.Checkpoint) artifact {
	return artifact{prefix: checkpointPrefix, key: pollKey(cp.PollID), value: cp, encoding: ArtifactEncodingCBOR}
}

// Checkpoint returns the stored checkpoint of a poll, or ErrNotFound.
func (s *Storage) Checkpoint(pollID uint64) (*poll.Checkpoint, error) {
	cp := new(poll.Checkpoint)
	if err := s.getArtifact(checkpointPrefix, pollKey(pollID), cp, ArtifactEncodingCBOR); err != nil {
		return nil, err
	}
	return cp, nil
}

// CheckpointedPolls returns the ids of the polls with a checkpoint, in
// ascending order.
func (s *Storage) CheckpointedPolls() ([]uint64, error) {
	keys, err := s.listArtifacts(checkpointPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(keys))
	for _, k := range keys {
		if len(k) != 8 {
			return nil, fmt.Errorf("malformed checkpoint key %x", k)
		}
		ids = append(ids, binary.BigEndian.Uint64(k))
	}
	return ids, nil
}

// SetProcessBatch stores a processing batch together with the checkpoint
// reached after it.
func (s *Storage) SetProcessBatch(r *ProcessBatchRecord, cp *poll.Checkpoint) error {
	return s.setArtifacts(
		artifact{prefix: processBatchPrefix, key: batchKey(r.PollID, r.Index), value: r, encoding: ArtifactEncodingJSON},
		checkpointArtifact(cp),
	)
}

// ProcessBatch returns a stored processing batch, or ErrNotFound.
func (s *Storage) ProcessBatch(pollID uint64, index int) (*ProcessBatchRecord, error) {
	key := batchKey(pollID, index)
	return cachedArtifact(s, processBatchPrefix, key, func() (*ProcessBatchRecord, error) {
		r := new(ProcessBatchRecord)
		if err := s.getArtifact(processBatchPrefix, key, r, ArtifactEncodingJSON); err != nil {
			return nil, err
		}
		return r, nil
	})
}

// SetTallyBatch stores a tally batch together with the checkpoint reached
// after it.
func (s *Storage) SetTallyBatch(r *TallyBatchRecord, cp *poll.Checkpoint) error {
	return s.setArtifacts(
		artifact{prefix: tallyBatchPrefix, key: batchKey(r.PollID, r.Index), value: r, encoding: ArtifactEncodingJSON},
		checkpointArtifact(cp),
	)
}

// TallyBatch returns a stored tally batch, or ErrNotFound.
func (s *Storage) TallyBatch(pollID uint64, index int) (*TallyBatchRecord, error) {
	key := batchKey(pollID, index)
	return cachedArtifact(s, tallyBatchPrefix, key, func() (*TallyBatchRecord, error) {
		r := new(TallyBatchRecord)
		if err := s.getArtifact(tallyBatchPrefix, key, r, ArtifactEncodingJSON); err != nil {
			return nil, err
		}
		return r, nil
	})
}

// NumBatches returns how many processing and tally batches are stored for
// a poll.
func (s *Storage) NumBatches(pollID uint64) (processed, tallied int, err error) {
	keys, err := s.listArtifacts(append(bytes.Clone(processBatchPrefix), pollKey(pollID)...))
	if err != nil {
		return 0, 0, err
	}
	processed = len(keys)
	keys, err = s.listArtifacts(append(bytes.Clone(tallyBatchPrefix), pollKey(pollID)...))
	if err != nil {
		return 0, 0, err
	}
	return processed, len(keys), nil
}

// SetResults stores the tally document of a poll.
func (s *Storage) SetResults(r *circuits.TallyResult) error {
	return s.setArtifacts(artifact{prefix: resultsPrefix, key: pollKey(r.PollID), value: r, encoding: ArtifactEncodingJSON})
}

// Results returns the tally document of a poll, or ErrNotFound.
func (s *Storage) Results(pollID uint64) (*circuits.TallyResult, error) {
	key := pollKey(pollID)
	return cachedArtifact(s, resultsPrefix, key, func() (*circuits.TallyResult, error) {
		r := new(circuits.TallyResult)
		if err := s.getArtifact(resultsPrefix, key, r, ArtifactEncodingJSON); err != nil {
			return nil, err
		}
		return r, nil
	})
}

func proofPollPrefix(circuit circuits.Circuit, pollID uint64) []byte {
	return append([]byte(string(circuit)+"/"), pollKey(pollID)...)
}

func proofKey(circuit circuits.Circuit, pollID uint64, index int) []byte {
	return binary.BigEndian.AppendUint32(proofPollPrefix(circuit, pollID), uint32(index))
}

// SetProof stores the proof of a batch.
func (s *Storage) SetProof(p *Proof) error {
	return s.setArtifacts(artifact{
		prefix:   proofPrefix,
		key:      proofKey(p.Circuit, p.PollID, p.Index),
		value:    p,
		encoding: ArtifactEncodingJSON,
	})
}

// Proof returns the proof of a batch, or ErrNotFound.
func (s *Storage) Proof(circuit circuits.Circuit, pollID uint64, index int) (*Proof, error) {
	p := new(Proof)
	if err := s.getArtifact(proofPrefix, proofKey(circuit, pollID, index), p, ArtifactEncodingJSON); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePoll removes every record of a poll.
func (s *Storage) DeletePoll(pollID uint64) error {
	key := pollKey(pollID)
	for _, prefix := range [][]byte{checkpointPrefix, processBatchPrefix, tallyBatchPrefix, resultsPrefix} {
		if err := s.deletePrefix(append(bytes.Clone(prefix), key...)); err != nil {
			return fmt.Errorf("delete poll %d: %w", pollID, err)
		}
	}
	for _, circuit := range []circuits.Circuit{
		circuits.ProcessMessages, circuits.ProcessMessagesNonQV,
		circuits.TallyVotes, circuits.TallyVotesNonQV,
	} {
		if err := s.deletePrefix(append(bytes.Clone(proofPrefix), proofPollPrefix(circuit, pollID)...)); err != nil {
			return fmt.Errorf("delete poll %d proofs: %w", pollID, err)
		}
	}
	return nil
}
