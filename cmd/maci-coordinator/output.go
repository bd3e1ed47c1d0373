package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/storage"
)

var errNoResults = errors.New("poll has no stored results")

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// writeOutputs exports the stored documents of a poll into
// <dir>/poll-<id>/: process_<i>.json and tally_<i>.json circuit inputs,
// proofs next to them and the final tally.json.
func writeOutputs(s *storage.Storage, dir string, pollID uint64) error {
	pollDir := filepath.Join(dir, fmt.Sprintf("poll-%d", pollID))
	if err := os.MkdirAll(pollDir, 0o755); err != nil {
		return err
	}
	processed, tallied, err := s.NumBatches(pollID)
	if err != nil {
		return err
	}
	for i := range processed {
		b, err := s.ProcessBatch(pollID, i)
		if err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(pollDir, fmt.Sprintf("process_%d.json", i)), b.Inputs); err != nil {
			return err
		}
		if err := writeProof(s, pollDir, fmt.Sprintf("process_%d", i), b.Circuit, pollID, i); err != nil {
			return err
		}
	}
	for i := range tallied {
		b, err := s.TallyBatch(pollID, i)
		if err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(pollDir, fmt.Sprintf("tally_%d.json", i)), b.Inputs); err != nil {
			return err
		}
		if err := writeProof(s, pollDir, fmt.Sprintf("tally_%d", i), b.Circuit, pollID, i); err != nil {
			return err
		}
	}
	results, err := s.Results(pollID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", errNoResults, pollID)
	}
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(pollDir, "tally.json"), results)
}

func writeProof(s *storage.Storage, dir, name string, circuit circuits.Circuit, pollID uint64, index int) error {
	p, err := s.Proof(circuit, pollID, index)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name+"_proof.json"), []byte(p.Proof), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+"_public.json"), []byte(p.PublicSignals), 0o644)
}
