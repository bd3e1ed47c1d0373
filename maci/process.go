package maci

import (
	"context"
	"fmt"
	"time"

	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/poll"
	"golang.org/x/sync/errgroup"
)

// Handler receives the outputs of a poll as they are produced. When polls
// are processed concurrently its methods are called from several
// goroutines, one per poll.
type Handler interface {
	HandleProcessBatch(ctx context.Context, pollID uint64, b *poll.ProcessBatch) error
	HandleTallyBatch(ctx context.Context, pollID uint64, b *poll.TallyBatch) error
	HandleResults(ctx context.Context, pollID uint64, r *circuits.TallyResult) error
}

// NopHandler discards every output.
type NopHandler struct{}

func (NopHandler) HandleProcessBatch(context.Context, uint64, *poll.ProcessBatch) error { return nil }
func (NopHandler) HandleTallyBatch(context.Context, uint64, *poll.TallyBatch) error { return nil }
func (NopHandler) HandleResults(context.Context, uint64, *circuits.TallyResult) error { return nil }

// ProcessPoll runs the remaining processing and tally batches of a merged
// poll, passing each one to h, and finally its results. A poll resumed from
// a checkpoint continues where the checkpoint left it. Cancellation is
// checked between batches.
func (m *MaciState) ProcessPoll(ctx context.Context, id uint64, h Handler) error {
	p, err := m.Poll(id)
	if err != nil {
		return err
	}
	start := time.Now()
	if p.Status() < poll.StatusMessagesFrozen {
		return fmt.Errorf("poll %d: %w", id, poll.ErrStateNotMerged)
	}
	for p.HasUnprocessedMessages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := p.ProcessMessages()
		if err != nil {
			return fmt.Errorf("poll %d: process batch %d: %w", id, p.NumBatchesProcessed(), err)
		}
		if err := h.HandleProcessBatch(ctx, id, b); err != nil {
			return fmt.Errorf("poll %d: handle process batch %d: %w", id, b.Index, err)
		}
	}
	for p.HasUntalliedBallots() {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := p.TallyVotes()
		if err != nil {
			return fmt.Errorf("poll %d: tally batch %d: %w", id, p.NumBatchesTallied(), err)
		}
		if err := h.HandleTallyBatch(ctx, id, b); err != nil {
			return fmt.Errorf("poll %d: handle tally batch %d: %w", id, b.Index, err)
		}
	}
	results, err := p.Results()
	if err != nil {
		return fmt.Errorf("poll %d: %w", id, err)
	}
	if err := h.HandleResults(ctx, id, results); err != nil {
		return fmt.Errorf("poll %d: handle results: %w", id, err)
	}
	log.Infow("poll tallied",
		"pollID", id,
		"processBatches", p.NumBatchesProcessed(),
		"tallyBatches", p.NumBatchesTallied(),
		"tallyCommitment", p.TallyCommitment().String(),
		"elapsedMs", log.Elapsed(start))
	return nil
}

// ProcessPolls processes distinct polls concurrently. The first error
// cancels the others.
func (m *MaciState) ProcessPolls(ctx context.Context, ids []uint64, h Handler) error {
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		if _, err := m.Poll(id); err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("poll %d listed twice", id)
		}
		seen[id] = true
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return m.ProcessPoll(ctx, id, h)
		})
	}
	return g.Wait()
}
