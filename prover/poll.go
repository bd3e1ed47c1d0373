package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/storage"
)

// ProvePoll proves every stored batch of a poll that has no proof yet, in
// processing order and then tally order, and stores the proofs. It returns
// how many proofs were generated.
func ProvePoll(ctx context.Context, p Prover, s *storage.Storage, pollID uint64) (int, error) {
	processed, tallied, err := s.NumBatches(pollID)
	if err != nil {
		return 0, err
	}
	generated := 0
	prove := func(circuit circuits.Circuit, index int, inputs any) error {
		if _, err := s.Proof(circuit, pollID, index); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		data, err := json.Marshal(inputs)
		if err != nil {
			return fmt.Errorf("encode %s inputs: %w", circuit, err)
		}
		proof, err := p.Prove(ctx, circuit, data)
		if err != nil {
			return fmt.Errorf("prove %s batch %d of poll %d: %w", circuit, index, pollID, err)
		}
		if err := s.SetProof(&storage.Proof{
			Circuit:       circuit,
			PollID:        pollID,
			Index:         index,
			Proof:         proof.Proof,
			PublicSignals: proof.PublicSignals,
		}); err != nil {
			return err
		}
		generated++
		return nil
	}
	for i := range processed {
		b, err := s.ProcessBatch(pollID, i)
		if err != nil {
			return generated, fmt.Errorf("load process batch %d of poll %d: %w", i, pollID, err)
		}
		if err := prove(b.Circuit, i, b.Inputs); err != nil {
			return generated, err
		}
	}
	for i := range tallied {
		b, err := s.TallyBatch(pollID, i)
		if err != nil {
			return generated, fmt.Errorf("load tally batch %d of poll %d: %w", i, pollID, err)
		}
		if err := prove(b.Circuit, i, b.Inputs); err != nil {
			return generated, err
		}
	}
	log.Infow("poll proven", "pollID", pollID, "proofs", generated, "processBatches", processed, "tallyBatches", tallied)
	return generated, nil
}
