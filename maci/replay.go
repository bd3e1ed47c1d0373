package maci

import (
	"context"
	"fmt"
	"time"

	"github.com/vocdoni/maci-coordinator/events"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/poll"
)

// ApplyEvent applies a single event of the stream.
func (m *MaciState) ApplyEvent(e events.Event) error {
	if err := e.Check(); err != nil {
		return err
	}
	var err error
	switch e.Kind {
	case events.KindSignUp:
		s := e.SignUp
		_, err = m.SignUp(s.PubKey, s.VoiceCreditBalance.MathBigInt(), s.Timestamp.MathBigInt())
	case events.KindDeployPoll:
		d := e.DeployPoll
		_, err = m.DeployPoll(poll.Params{
			PollID:         d.PollID,
			StartTimestamp: d.StartTimestamp,
			EndTimestamp:   d.EndTimestamp,
			StateTreeDepth: m.stateTreeDepth,
			TreeDepths:     d.TreeDepths,
			MaxVoteOptions: d.MaxVoteOptions,
			Mode:           d.Mode,
		})
	case events.KindPublishMessage:
		pm := e.PublishMessage
		err = m.PublishMessage(pm.PollID, pm.Message, pm.EncPubKey)
	case events.KindMergeState:
		ms := e.MergeState
		if ms.StateRoot != nil {
			err = m.MergeState(ms.PollID, ms.StateRoot.MathBigInt())
		} else {
			err = m.MergeState(ms.PollID, nil)
		}
	}
	if err != nil {
		return fmt.Errorf("%s event at %s: %w", e.Kind, e.Position, err)
	}
	return nil
}

// Replay applies a validated stream in order. It stops at the first failing
// event or when ctx is done.
func (m *MaciState) Replay(ctx context.Context, evs []events.Event) error {
	if err := events.Validate(evs); err != nil {
		return err
	}
	start := time.Now()
	for i, e := range evs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("replay interrupted at event %d: %w", i, err)
		}
		if err := m.ApplyEvent(e); err != nil {
			return err
		}
	}
	log.Infow("events replayed",
		"events", len(evs),
		"signups", m.NumSignUps(),
		"polls", len(m.polls),
		"stateRoot", m.StateRoot().String(),
		"elapsedMs", log.Elapsed(start))
	return nil
}
