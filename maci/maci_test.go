package maci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/command"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/events"
	"github.com/vocdoni/maci-coordinator/poll"
	"github.com/vocdoni/maci-coordinator/state"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

const testStateTreeDepth = 2

var testTreeDepths = types.TreeDepths{
	IntStateTreeDepth:   1,
	MessageTreeSubDepth: 1,
	MessageTreeDepth:    2,
	VoteOptionTreeDepth: 1,
}

func keypair(c *qt.C, seed string) *keys.Keypair {
	kp, err := keys.KeypairFromSeed([]byte(seed))
	c.Assert(err, qt.IsNil)
	return kp
}

func testParams(id uint64, mode types.Mode) poll.Params {
	return poll.Params{
		PollID:         id,
		EndTimestamp:   100,
		TreeDepths:     testTreeDepths,
		MaxVoteOptions: 5,
		Mode:           mode,
	}
}

// stream builds an event stream with its own block counter.
type stream struct {
	c           *qt.C
	coordinator *keys.Keypair
	voters      []*keys.Keypair
	events      []events.Event
	block       uint64
}

func newStream(c *qt.C, coordinator *keys.Keypair) *stream {
	return &stream{c: c, coordinator: coordinator}
}

func (s *stream) next() events.Position {
	s.block++
	return events.Position{BlockNumber: s.block}
}

func (s *stream) signUp(credits int64) {
	kp := keypair(s.c, fmt.Sprintf("voter-%d", len(s.voters)))
	s.voters = append(s.voters, kp)
	pos := s.next()
	s.events = append(s.events, events.Event{
		Kind:     events.KindSignUp,
		Position: pos,
		SignUp: &events.SignUp{
			PubKey:             kp.PubKey,
			VoiceCreditBalance: types.NewInt(credits),
			Timestamp:          types.NewInt(int64(pos.BlockNumber)),
		},
	})
}

func (s *stream) deployPoll(id uint64, mode types.Mode) {
	s.events = append(s.events, events.Event{
		Kind:     events.KindDeployPoll,
		Position: s.next(),
		DeployPoll: &events.DeployPoll{
			PollID:         id,
			EndTimestamp:   100,
			TreeDepths:     testTreeDepths,
			MaxVoteOptions: 5,
			Mode:           mode,
		},
	})
}

// vote publishes a command of the voter at stateIndex.
func (s *stream) vote(pollID, stateIndex, option, weight, nonce uint64) {
	voter := s.voters[stateIndex-1]
	cmd := &command.Command{
		StateIndex:      stateIndex,
		NewPubKey:       voter.PubKey,
		VoteOptionIndex: option,
		NewVoteWeight:   weight,
		Nonce:           nonce,
		PollID:          pollID,
		Salt:            big.NewInt(int64(pollID*1000 + stateIndex)),
	}
	msg, encPubKey, err := command.Publish(cmd, voter, s.coordinator.PubKey)
	s.c.Assert(err, qt.IsNil)
	s.events = append(s.events, events.Event{
		Kind:           events.KindPublishMessage,
		Position:       s.next(),
		PublishMessage: &events.PublishMessage{PollID: pollID, Message: msg, EncPubKey: encPubKey},
	})
}

func (s *stream) mergeState(pollID uint64, root *big.Int) {
	s.events = append(s.events, events.Event{
		Kind:       events.KindMergeState,
		Position:   s.next(),
		MergeState: &events.MergeState{PollID: pollID, StateRoot: types.FromBig(root)},
	})
}

// recorder keeps every output by poll.
type recorder struct {
	mu      sync.Mutex
	process map[uint64][]*poll.ProcessBatch
	tally   map[uint64][]*poll.TallyBatch
	results map[uint64]*circuits.TallyResult
}

func newRecorder() *recorder {
	return &recorder{
		process: make(map[uint64][]*poll.ProcessBatch),
		tally:   make(map[uint64][]*poll.TallyBatch),
		results: make(map[uint64]*circuits.TallyResult),
	}
}

func (r *recorder) HandleProcessBatch(_ context.Context, id uint64, b *poll.ProcessBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process[id] = append(r.process[id], b)
	return nil
}

func (r *recorder) HandleTallyBatch(_ context.Context, id uint64, b *poll.TallyBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tally[id] = append(r.tally[id], b)
	return nil
}

func (r *recorder) HandleResults(_ context.Context, id uint64, res *circuits.TallyResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[id] = res
	return nil
}

func TestSignUp(t *testing.T) {
	c := qt.New(t)
	m, err := New(testStateTreeDepth)
	c.Assert(err, qt.IsNil)
	c.Assert(m.NumSignUps(), qt.Equals, 1)

	expected, err := tree.New(testStateTreeDepth, state.BlankStateLeafHash(), types.TreeArity)
	c.Assert(err, qt.IsNil)
	c.Assert(expected.Insert(state.BlankStateLeafHash()), qt.IsNil)
	c.Assert(m.StateRoot().Cmp(expected.Root()), qt.Equals, 0)

	for i := 1; i < 25; i++ {
		kp := keypair(c, fmt.Sprintf("voter-%d", i))
		index, err := m.SignUp(kp.PubKey, big.NewInt(100), big.NewInt(int64(i)))
		c.Assert(err, qt.IsNil)
		c.Assert(index, qt.Equals, i)
		h, err := state.NewStateLeaf(kp.PubKey, big.NewInt(100), big.NewInt(int64(i))).Hash()
		c.Assert(err, qt.IsNil)
		c.Assert(expected.Insert(h), qt.IsNil)
	}
	c.Assert(m.StateRoot().Cmp(expected.Root()), qt.Equals, 0)

	_, err = m.SignUp(keypair(c, "late").PubKey, big.NewInt(100), big.NewInt(0))
	c.Assert(err, qt.ErrorIs, ErrStateTreeFull)
	c.Assert(m.NumSignUps(), qt.Equals, 25)

	_, err = m.SignUp(keys.PublicKey{}, big.NewInt(1), big.NewInt(1))
	c.Assert(err, qt.ErrorIs, ErrInvalidPubKey)

	leaf, err := m.StateLeaf(3)
	c.Assert(err, qt.IsNil)
	c.Assert(leaf.Timestamp.Int64(), qt.Equals, int64(3))
	_, err = m.StateLeaf(25)
	c.Assert(err, qt.IsNotNil)
}

func TestDeployPoll(t *testing.T) {
	c := qt.New(t)
	m, err := New(testStateTreeDepth)
	c.Assert(err, qt.IsNil)

	id, err := m.DeployPoll(testParams(7, types.ModeQV))
	c.Assert(err, qt.IsNil)
	c.Assert(id, qt.Equals, uint64(7))
	_, err = m.DeployPoll(testParams(7, types.ModeQV))
	c.Assert(err, qt.ErrorIs, ErrPollExists)

	params := testParams(8, types.ModeQV)
	params.StateTreeDepth = 3
	_, err = m.DeployPoll(params)
	c.Assert(err, qt.ErrorIs, types.ErrInvalidPollParams)

	_, err = m.DeployPoll(testParams(2, types.ModeNonQV))
	c.Assert(err, qt.IsNil)
	c.Assert(m.PollIDs(), qt.DeepEquals, []uint64{2, 7})

	p, err := m.Poll(7)
	c.Assert(err, qt.IsNil)
	c.Assert(p.Status(), qt.Equals, poll.StatusMembershipOpen)
	c.Assert(p.Params().StateTreeDepth, qt.Equals, testStateTreeDepth)

	_, err = m.Poll(9)
	c.Assert(err, qt.ErrorIs, ErrPollNotFound)
	c.Assert(m.PublishMessage(9, nil, keys.PadKey), qt.ErrorIs, ErrPollNotFound)
	c.Assert(m.MergeState(9, nil), qt.ErrorIs, ErrPollNotFound)
}

func TestMergeStateSnapshot(t *testing.T) {
	c := qt.New(t)
	coordinator := keypair(c, "coordinator")
	m, err := New(testStateTreeDepth, WithCoordinatorKeypair(coordinator))
	c.Assert(err, qt.IsNil)
	for i := range 3 {
		_, err := m.SignUp(keypair(c, fmt.Sprintf("voter-%d", i)).PubKey, big.NewInt(100), big.NewInt(1))
		c.Assert(err, qt.IsNil)
	}
	_, err = m.DeployPoll(testParams(1, types.ModeQV))
	c.Assert(err, qt.IsNil)
	_, err = m.DeployPoll(testParams(2, types.ModeQV))
	c.Assert(err, qt.IsNil)

	c.Assert(m.MergeState(1, big.NewInt(42)), qt.ErrorIs, ErrAccumulatorMismatch)
	c.Assert(m.MergeState(1, m.StateRoot()), qt.IsNil)
	first, err := m.Poll(1)
	c.Assert(err, qt.IsNil)
	c.Assert(first.Status(), qt.Equals, poll.StatusMessagesFrozen)
	c.Assert(first.StateRoot().Cmp(m.StateRoot()), qt.Equals, 0)

	// later signups do not reach the merged poll
	late, err := m.SignUp(keypair(c, "late").PubKey, big.NewInt(100), big.NewInt(2))
	c.Assert(err, qt.IsNil)
	c.Assert(late, qt.Equals, 4)
	c.Assert(m.MergeState(2, m.StateRoot()), qt.IsNil)
	second, err := m.Poll(2)
	c.Assert(err, qt.IsNil)
	c.Assert(first.NumSignUps(), qt.Equals, 4)
	c.Assert(second.NumSignUps(), qt.Equals, 5)
	c.Assert(first.StateRoot().Cmp(second.StateRoot()), qt.Not(qt.Equals), 0)
	c.Assert(second.StateRoot().Cmp(m.StateRoot()), qt.Equals, 0)

	// a third merge after yet another signup still agrees with the tree
	_, err = m.DeployPoll(testParams(3, types.ModeQV))
	c.Assert(err, qt.IsNil)
	_, err = m.SignUp(keypair(c, "later").PubKey, big.NewInt(100), big.NewInt(3))
	c.Assert(err, qt.IsNil)
	c.Assert(m.MergeState(3, m.StateRoot()), qt.IsNil)

	c.Assert(m.MergeState(1, nil), qt.ErrorIs, poll.ErrInvalidStatus)
}

func int64s(xs []*types.BigInt) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = x.MathBigInt().Int64()
	}
	return out
}

// twoPolls signs up four voters and deploys a QV poll 1 and a non-QV poll 2,
// both merged.
func twoPolls(c *qt.C) *stream {
	s := newStream(c, keypair(c, "coordinator"))
	for range 4 {
		s.signUp(100)
	}
	s.deployPoll(1, types.ModeQV)
	s.deployPoll(2, types.ModeNonQV)
	s.vote(1, 1, 0, 5, 1)
	s.vote(2, 1, 3, 10, 1)
	s.vote(1, 2, 1, 3, 1)
	s.vote(1, 3, 0, 2, 1)
	s.vote(2, 2, 3, 5, 1)
	s.vote(1, 4, 2, 4, 1)
	s.mergeState(1, nil)
	s.mergeState(2, nil)
	return s
}

func (s *stream) replay(c *qt.C) *MaciState {
	m, err := New(testStateTreeDepth, WithCoordinatorKeypair(s.coordinator))
	c.Assert(err, qt.IsNil)
	c.Assert(m.Replay(context.Background(), s.events), qt.IsNil)
	return m
}

func TestReplay(t *testing.T) {
	c := qt.New(t)
	s := twoPolls(c)
	m := s.replay(c)
	c.Assert(m.NumSignUps(), qt.Equals, 5)
	c.Assert(m.PollIDs(), qt.DeepEquals, []uint64{1, 2})
	p, err := m.Poll(1)
	c.Assert(err, qt.IsNil)
	c.Assert(p.NumMessages(), qt.Equals, 4)
	c.Assert(p.Status(), qt.Equals, poll.StatusMessagesFrozen)

	// the same stream always rebuilds the same state
	other := s.replay(c)
	c.Assert(other.StateRoot().Cmp(m.StateRoot()), qt.Equals, 0)
	q, err := other.Poll(1)
	c.Assert(err, qt.IsNil)
	c.Assert(q.MessageRoot().Cmp(p.MessageRoot()), qt.Equals, 0)

	// a stream carrying the on-chain root
	withRoot := newStream(c, s.coordinator)
	withRoot.signUp(100)
	withRoot.deployPoll(1, types.ModeQV)
	withRoot.mergeState(1, big.NewInt(5))
	fresh, err := New(testStateTreeDepth)
	c.Assert(err, qt.IsNil)
	err = fresh.Replay(context.Background(), withRoot.events)
	c.Assert(err, qt.ErrorIs, ErrAccumulatorMismatch)
	c.Assert(err, qt.ErrorMatches, `mergeState event at 3:0: .*`)

	withRoot.events[2].MergeState.StateRoot = types.FromBig(fresh.StateRoot())
	fresh, err = New(testStateTreeDepth)
	c.Assert(err, qt.IsNil)
	c.Assert(fresh.Replay(context.Background(), withRoot.events), qt.IsNil)
}

func TestReplayErrors(t *testing.T) {
	c := qt.New(t)
	s := twoPolls(c)

	m, err := New(testStateTreeDepth)
	c.Assert(err, qt.IsNil)
	swapped := slices.Clone(s.events)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	c.Assert(m.Replay(context.Background(), swapped), qt.ErrorIs, events.ErrOutOfOrder)

	// a message for a poll that was never deployed
	m, err = New(testStateTreeDepth)
	c.Assert(err, qt.IsNil)
	c.Assert(m.ApplyEvent(s.events[6]), qt.ErrorIs, ErrPollNotFound)

	bad := s.events[0]
	bad.DeployPoll = &events.DeployPoll{}
	c.Assert(m.ApplyEvent(bad), qt.ErrorIs, events.ErrMalformedEvent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err = New(testStateTreeDepth)
	c.Assert(err, qt.IsNil)
	c.Assert(m.Replay(ctx, s.events), qt.ErrorIs, context.Canceled)
	c.Assert(m.NumSignUps(), qt.Equals, 1)
}

func TestProcessPoll(t *testing.T) {
	c := qt.New(t)
	m := twoPolls(c).replay(c)
	rec := newRecorder()
	c.Assert(m.ProcessPoll(context.Background(), 1, rec), qt.IsNil)

	c.Assert(rec.process[1], qt.HasLen, 1)
	c.Assert(rec.process[1][0].Rejected, qt.HasLen, 0)
	c.Assert(rec.tally[1], qt.HasLen, 1)
	res := rec.results[1]
	c.Assert(res, qt.IsNotNil)
	c.Assert(int64s(res.Results.Tally), qt.DeepEquals, []int64{7, 3, 4, 0, 0})
	c.Assert(res.TotalSpentVoiceCredits.Spent.MathBigInt().Int64(), qt.Equals, int64(54))
	c.Assert(res.Verify(1), qt.IsNil)

	p, err := m.Poll(1)
	c.Assert(err, qt.IsNil)
	c.Assert(p.Status(), qt.Equals, poll.StatusTallied)

	// a tallied poll only reports its results again
	again := newRecorder()
	c.Assert(m.ProcessPoll(context.Background(), 1, again), qt.IsNil)
	c.Assert(again.process[1], qt.HasLen, 0)
	c.Assert(again.results[1].NewTallyCommitment.Equal(res.NewTallyCommitment), qt.IsTrue)
}

func TestProcessPollErrors(t *testing.T) {
	c := qt.New(t)
	s := newStream(c, keypair(c, "coordinator"))
	s.signUp(100)
	s.deployPoll(1, types.ModeQV)
	s.vote(1, 1, 0, 1, 1)
	m := s.replay(c)
	c.Assert(m.ProcessPoll(context.Background(), 1, NopHandler{}), qt.ErrorIs, poll.ErrStateNotMerged)
	c.Assert(m.ProcessPoll(context.Background(), 2, NopHandler{}), qt.ErrorIs, ErrPollNotFound)

	m = twoPolls(c).replay(c)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Assert(m.ProcessPoll(ctx, 1, NopHandler{}), qt.ErrorIs, context.Canceled)
	p, err := m.Poll(1)
	c.Assert(err, qt.IsNil)
	c.Assert(p.NumBatchesProcessed(), qt.Equals, 0)

	c.Assert(m.ProcessPolls(context.Background(), []uint64{1, 1}, NopHandler{}), qt.ErrorMatches, "poll 1 listed twice")
	c.Assert(m.ProcessPolls(context.Background(), []uint64{1, 3}, NopHandler{}), qt.ErrorIs, ErrPollNotFound)

	errHandler := errors.New("handler failed")
	err = m.ProcessPolls(context.Background(), []uint64{1, 2}, failingHandler{err: errHandler})
	c.Assert(err, qt.ErrorIs, errHandler)
}

type failingHandler struct {
	NopHandler
	err error
}

func (h failingHandler) HandleTallyBatch(context.Context, uint64, *poll.TallyBatch) error {
	return h.err
}

func TestProcessPollsConcurrent(t *testing.T) {
	c := qt.New(t)
	s := twoPolls(c)

	concurrent := newRecorder()
	c.Assert(s.replay(c).ProcessPolls(context.Background(), []uint64{1, 2}, concurrent), qt.IsNil)

	sequential := newRecorder()
	m := s.replay(c)
	c.Assert(m.ProcessPoll(context.Background(), 2, sequential), qt.IsNil)
	c.Assert(m.ProcessPoll(context.Background(), 1, sequential), qt.IsNil)

	for _, id := range []uint64{1, 2} {
		want, err := json.Marshal(sequential.results[id])
		c.Assert(err, qt.IsNil)
		got, err := json.Marshal(concurrent.results[id])
		c.Assert(err, qt.IsNil)
		c.Assert(string(got), qt.Equals, string(want))

		c.Assert(concurrent.process[id], qt.HasLen, len(sequential.process[id]))
		for i := range sequential.process[id] {
			want, err := json.Marshal(sequential.process[id][i].Inputs)
			c.Assert(err, qt.IsNil)
			got, err := json.Marshal(concurrent.process[id][i].Inputs)
			c.Assert(err, qt.IsNil)
			c.Assert(string(got), qt.Equals, string(want))
		}
	}
	res := concurrent.results[2]
	c.Assert(res.IsQuadratic, qt.IsFalse)
	c.Assert(int64s(res.Results.Tally), qt.DeepEquals, []int64{0, 0, 0, 15, 0})
}
