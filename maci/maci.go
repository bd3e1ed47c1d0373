// Package maci holds the global coordinator state: the signups shared by
// every poll and the polls themselves, rebuilt by replaying the contract
// event stream.
package maci

import (
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"

	"github.com/vocdoni/maci-coordinator/accqueue"
	"github.com/vocdoni/maci-coordinator/command"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/poll"
	"github.com/vocdoni/maci-coordinator/state"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

var (
	ErrPollNotFound        = errors.New("poll not found")
	ErrPollExists          = errors.New("poll already deployed")
	ErrStateTreeFull       = errors.New("state tree is full")
	ErrInvalidPubKey       = errors.New("public key is not a field element pair")
	ErrAccumulatorMismatch = accqueue.ErrAccumulatorMismatch
)

// MaciState is the replicated state of a MACI instance. It is not safe for
// concurrent mutation; ProcessPolls only reads it.
type MaciState struct {
	stateTreeDepth int
	coordinator    *keys.Keypair

	stateLeaves []*state.StateLeaf
	stateAQ     *accqueue.AccQueue
	stateTree   *tree.Tree

	polls map[uint64]*poll.Poll
}

type Option func(*MaciState)

// WithCoordinatorKeypair sets the key polls use to decrypt messages.
func WithCoordinatorKeypair(kp *keys.Keypair) Option {
	return func(m *MaciState) {
		m.coordinator = kp
	}
}

// New creates a MaciState whose state tree has the given depth. The blank
// leaf is signed up at index 0.
func New(stateTreeDepth int, opts ...Option) (*MaciState, error) {
	if stateTreeDepth < 1 {
		return nil, fmt.Errorf("%w: state tree depth %d", types.ErrInvalidPollParams, stateTreeDepth)
	}
	blank := state.BlankStateLeafHash()
	stateAQ, err := accqueue.New(types.StateTreeSubDepth, types.TreeArity, blank)
	if err != nil {
		return nil, fmt.Errorf("state queue: %w", err)
	}
	stateTree, err := tree.New(stateTreeDepth, blank, types.TreeArity)
	if err != nil {
		return nil, fmt.Errorf("state tree: %w", err)
	}
	m := &MaciState{
		stateTreeDepth: stateTreeDepth,
		stateAQ:        stateAQ,
		stateTree:      stateTree,
		polls:          make(map[uint64]*poll.Poll),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.appendLeaf(state.BlankStateLeaf()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MaciState) appendLeaf(leaf *state.StateLeaf) error {
	if len(m.stateLeaves) >= m.stateTree.Capacity() {
		return ErrStateTreeFull
	}
	h, err := leaf.Hash()
	if err != nil {
		return fmt.Errorf("hash state leaf: %w", err)
	}
	if _, err := m.stateAQ.Enqueue(h); err != nil {
		return fmt.Errorf("enqueue state leaf: %w", err)
	}
	if err := m.stateTree.Insert(h); err != nil {
		return fmt.Errorf("insert state leaf: %w", err)
	}
	m.stateLeaves = append(m.stateLeaves, leaf)
	return nil
}

// SignUp appends a state leaf and returns its index.
func (m *MaciState) SignUp(pk keys.PublicKey, voiceCredits, timestamp *big.Int) (int, error) {
	if pk.X == nil || pk.Y == nil || !pk.InField() {
		return 0, ErrInvalidPubKey
	}
	if err := m.appendLeaf(state.NewStateLeaf(pk, voiceCredits, timestamp)); err != nil {
		return 0, err
	}
	index := len(m.stateLeaves) - 1
	log.Debugw("signup", "index", index, "pubKey", pk.String())
	return index, nil
}

// DeployPoll creates a poll and opens its membership period. The state tree
// depth of params is the one of the MaciState.
func (m *MaciState) DeployPoll(params poll.Params) (uint64, error) {
	if _, ok := m.polls[params.PollID]; ok {
		return 0, fmt.Errorf("%w: %d", ErrPollExists, params.PollID)
	}
	if params.StateTreeDepth != 0 && params.StateTreeDepth != m.stateTreeDepth {
		return 0, fmt.Errorf("%w: poll state tree depth %d, maci state tree depth %d",
			types.ErrInvalidPollParams, params.StateTreeDepth, m.stateTreeDepth)
	}
	params.StateTreeDepth = m.stateTreeDepth
	p, err := poll.New(params, m.coordinator)
	if err != nil {
		return 0, err
	}
	if err := p.Open(); err != nil {
		return 0, err
	}
	m.polls[params.PollID] = p
	log.Infow("poll deployed",
		"pollID", params.PollID,
		"mode", params.Mode.String(),
		"endTimestamp", params.EndTimestamp)
	return params.PollID, nil
}

// Poll returns the poll with the given id.
func (m *MaciState) Poll(id uint64) (*poll.Poll, error) {
	p, ok := m.polls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPollNotFound, id)
	}
	return p, nil
}

// PublishMessage appends a message to the log of a poll.
func (m *MaciState) PublishMessage(pollID uint64, msg *command.Message, encPubKey keys.PublicKey) error {
	p, err := m.Poll(pollID)
	if err != nil {
		return err
	}
	return p.PublishMessage(msg, encPubKey)
}

// MergeState merges the signup queue, checks it against the state tree and
// against onChainRoot when not nil, and hands a copy of the signups to the
// poll.
func (m *MaciState) MergeState(pollID uint64, onChainRoot *big.Int) error {
	p, err := m.Poll(pollID)
	if err != nil {
		return err
	}
	// merging fills the last subtree, signups after it must keep their
	// state tree indexes
	root, err := m.stateAQ.Copy().CheckMerge(m.stateTreeDepth)
	if err != nil {
		return fmt.Errorf("merge state queue: %w", err)
	}
	if root.Cmp(m.stateTree.Root()) != 0 {
		return fmt.Errorf("%w: state queue root %s, state tree root %s",
			ErrAccumulatorMismatch, root, m.stateTree.Root())
	}
	if onChainRoot != nil && onChainRoot.Cmp(root) != 0 {
		return fmt.Errorf("%w: on-chain state root %s, replayed %s", ErrAccumulatorMismatch, onChainRoot, root)
	}
	return p.MergeState(poll.Snapshot{StateLeaves: m.stateLeaves, StateRoot: root})
}

// StateRoot returns the root of the signup state tree.
func (m *MaciState) StateRoot() *big.Int { return m.stateTree.Root() }

// NumSignUps returns the number of state leaves, the blank leaf included.
func (m *MaciState) NumSignUps() int { return len(m.stateLeaves) }

// StateTreeDepth returns the depth of the state tree.
func (m *MaciState) StateTreeDepth() int { return m.stateTreeDepth }

// StateLeaf returns a copy of the leaf at index.
func (m *MaciState) StateLeaf(index int) (*state.StateLeaf, error) {
	if index < 0 || index >= len(m.stateLeaves) {
		return nil, fmt.Errorf("%w: %d", poll.ErrInvalidStateLeafIndex, index)
	}
	return m.stateLeaves[index].Copy(), nil
}

// PollIDs returns the deployed poll ids in ascending order.
func (m *MaciState) PollIDs() []uint64 {
	return slices.Sorted(maps.Keys(m.polls))
}
