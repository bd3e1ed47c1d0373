package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/maci"
	"github.com/vocdoni/maci-coordinator/poll"
)

// Handler stores every output of the polls of a MaciState as it is
// produced, each batch with the checkpoint reached after it.
type Handler struct {
	storage *Storage
	state   *maci.MaciState
}

var _ maci.Handler = (*Handler)(nil)

// Handler returns a maci.Handler persisting the outputs of m.
func (s *Storage) Handler(m *maci.MaciState) *Handler {
	return &Handler{storage: s, state: m}
}

func (h *Handler) checkpoint(pollID uint64) (*poll.Poll, *poll.Checkpoint, error) {
	p, err := h.state.Poll(pollID)
	if err != nil {
		return nil, nil, err
	}
	cp, err := p.Checkpoint()
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint poll %d: %w", pollID, err)
	}
	return p, cp, nil
}

func (h *Handler) HandleProcessBatch(_ context.Context, pollID uint64, b *poll.ProcessBatch) error {
	p, cp, err := h.checkpoint(pollID)
	if err != nil {
		return err
	}
	r := NewProcessBatchRecord(pollID, circuits.ProcessCircuit(p.Params().Mode), b)
	if err := h.storage.SetProcessBatch(r, cp); err != nil {
		return fmt.Errorf("store process batch %d of poll %d: %w", b.Index, pollID, err)
	}
	log.Debugw("process batch stored", "pollID", pollID, "batch", b.Index, "rejected", len(b.Rejected))
	return nil
}

func (h *Handler) HandleTallyBatch(_ context.Context, pollID uint64, b *poll.TallyBatch) error {
	p, cp, err := h.checkpoint(pollID)
	if err != nil {
		return err
	}
	r := NewTallyBatchRecord(pollID, circuits.TallyCircuit(p.Params().Mode), b)
	if err := h.storage.SetTallyBatch(r, cp); err != nil {
		return fmt.Errorf("store tally batch %d of poll %d: %w", b.Index, pollID, err)
	}
	log.Debugw("tally batch stored", "pollID", pollID, "batch", b.Index)
	return nil
}

func (h *Handler) HandleResults(_ context.Context, pollID uint64, r *circuits.TallyResult) error {
	if err := h.storage.SetResults(r); err != nil {
		return fmt.Errorf("store results of poll %d: %w", pollID, err)
	}
	return nil
}

// ResumePolls brings every listed poll of m to its stored checkpoint. Polls
// without a checkpoint are left untouched. It returns how many polls were
// resumed.
func (s *Storage) ResumePolls(m *maci.MaciState, ids []uint64) (int, error) {
	resumed := 0
	for _, id := range ids {
		cp, err := s.Checkpoint(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return resumed, fmt.Errorf("load checkpoint of poll %d: %w", id, err)
		}
		p, err := m.Poll(id)
		if err != nil {
			return resumed, err
		}
		if err := p.Resume(cp); err != nil {
			return resumed, fmt.Errorf("resume poll %d: %w", id, err)
		}
		resumed++
		log.Infow("poll resumed",
			"pollID", id,
			"processBatches", cp.NumBatchesProcessed,
			"tallyBatches", cp.NumBatchesTallied)
	}
	return resumed, nil
}
