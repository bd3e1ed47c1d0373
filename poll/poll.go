// Package poll replicates the off-chain state of a single poll: the message
// log, the signup snapshot, message processing in protocol order and the
// vote tally, producing the circuit inputs of every batch.
package poll

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/vocdoni/maci-coordinator/accqueue"
	"github.com/vocdoni/maci-coordinator/command"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/state"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

var (
	ErrInvalidStatus         = errors.New("operation not allowed in the current poll status")
	ErrStateNotMerged        = errors.New("signup state is not merged into the poll")
	ErrAccumulatorMismatch   = accqueue.ErrAccumulatorMismatch
	ErrNoCoordinatorKey      = errors.New("coordinator keypair not set")
	ErrNoUnprocessedMessages = errors.New("no more messages to process")
	ErrMessagesNotProcessed  = errors.New("messages are not fully processed")
	ErrNoUntalliedBallots    = errors.New("no more ballots to tally")
	ErrMessageTreeFull       = errors.New("message tree is full")
	ErrInvalidEncPubKey      = errors.New("encryption public key is not a field element pair")
	ErrCheckpointMismatch    = errors.New("checkpoint does not match the replayed poll")
)

// Status is the lifecycle stage of a poll.
type Status uint8

const (
	StatusCreated Status = iota
	StatusMembershipOpen
	StatusVoting
	StatusMessagesFrozen
	StatusProcessing
	StatusTallying
	StatusTallied
)

var statusNames = map[Status]string{
	StatusCreated:        "created",
	StatusMembershipOpen: "membership-open",
	StatusVoting:         "voting",
	StatusMessagesFrozen: "messages-frozen",
	StatusProcessing:     "processing",
	StatusTallying:       "tallying",
	StatusTallied:        "tallied",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", s)
}

// Params are the immutable parameters of a poll, fixed at deployment.
type Params struct {
	PollID         uint64           `json:"pollId"`
	StartTimestamp uint64           `json:"startTimestamp"`
	EndTimestamp   uint64           `json:"endTimestamp"`
	StateTreeDepth int              `json:"stateTreeDepth"`
	TreeDepths     types.TreeDepths `json:"treeDepths"`
	MaxVoteOptions int              `json:"maxVoteOptions"`
	Mode           types.Mode       `json:"mode"`
}

// Validate checks the tree depths and the vote option bound.
func (p Params) Validate() error {
	if p.StateTreeDepth < 1 {
		return fmt.Errorf("%w: state tree depth %d", types.ErrInvalidPollParams, p.StateTreeDepth)
	}
	if err := p.TreeDepths.Validate(p.StateTreeDepth); err != nil {
		return err
	}
	if capacity := p.TreeDepths.MaxValues().MaxVoteOptions; p.MaxVoteOptions < 1 || p.MaxVoteOptions > capacity {
		return fmt.Errorf("%w: %d vote options, vote option tree holds %d",
			types.ErrInvalidPollParams, p.MaxVoteOptions, capacity)
	}
	if p.EndTimestamp < p.StartTimestamp {
		return fmt.Errorf("%w: poll ends before it starts", types.ErrInvalidPollParams)
	}
	return nil
}

// Snapshot is the signup list a poll is bound to when the state is merged.
type Snapshot struct {
	StateLeaves []*state.StateLeaf
	// StateRoot, when set, must match the root rebuilt from StateLeaves.
	StateRoot *big.Int
}

type decrypted struct {
	cmd *command.Command
	sig *babyjub.Signature
	err error
}

// Poll is the replicated state of one poll. It is not safe for concurrent
// use; distinct polls are independent.
type Poll struct {
	params      Params
	coordinator *keys.Keypair
	batchSizes  types.BatchSizes
	acct        accounting
	status      Status

	messages    []*command.Message
	encPubKeys  []keys.PublicKey
	commands    []*decrypted
	messageAQ   *accqueue.AccQueue
	messageTree *tree.Tree
	messageRoot *big.Int

	stateLeaves     []*state.StateLeaf
	stateTree       *tree.Tree
	ballots         []*state.Ballot
	ballotTree      *tree.Tree
	emptyBallotHash *big.Int

	numBatchesProcessed      int
	currentMessageBatchIndex int
	sbSalt                   *big.Int

	numBatchesTallied int
	results           []*big.Int
	perVOSpent        []*big.Int
	totalSpent        *big.Int
	resultsSalt       *big.Int
	spentSalt         *big.Int
	perVOSalt         *big.Int
	tallyCommitment   *big.Int
}

// New creates a poll in the Created status. The coordinator keypair may be
// nil, in which case messages are stored but cannot be processed.
func New(params Params, coordinator *keys.Keypair) (*Poll, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	messageAQ, err := accqueue.New(params.TreeDepths.MessageTreeSubDepth, types.TreeArity, types.NothingUpMySleeve)
	if err != nil {
		return nil, fmt.Errorf("message queue: %w", err)
	}
	messageTree, err := tree.New(params.TreeDepths.MessageTreeDepth, types.NothingUpMySleeve, types.TreeArity)
	if err != nil {
		return nil, fmt.Errorf("message tree: %w", err)
	}
	emptyBallotHash, err := state.EmptyBallotHash(params.TreeDepths.VoteOptionTreeDepth)
	if err != nil {
		return nil, err
	}
	numOptions := tree.Capacity(types.TreeArity, params.TreeDepths.VoteOptionTreeDepth)
	return &Poll{
		params:          params,
		coordinator:     coordinator,
		batchSizes:      params.TreeDepths.BatchSizes(),
		acct:            newAccounting(params.Mode),
		status:          StatusCreated,
		messageAQ:       messageAQ,
		messageTree:     messageTree,
		emptyBallotHash: emptyBallotHash,
		sbSalt:          big.NewInt(0),
		results:         zeroValues(numOptions),
		perVOSpent:      zeroValues(numOptions),
		totalSpent:      big.NewInt(0),
		resultsSalt:     big.NewInt(0),
		spentSalt:       big.NewInt(0),
		perVOSalt:       big.NewInt(0),
		tallyCommitment: big.NewInt(0),
	}, nil
}

func zeroValues(n int) []*big.Int {
	v := make([]*big.Int, n)
	for i := range v {
		v[i] = big.NewInt(0)
	}
	return v
}

func (p *Poll) ID() uint64                   { return p.params.PollID }
func (p *Poll) Params() Params               { return p.params }
func (p *Poll) Status() Status               { return p.status }
func (p *Poll) BatchSizes() types.BatchSizes { return p.batchSizes }
func (p *Poll) NumMessages() int             { return len(p.messages) }
func (p *Poll) NumBatchesProcessed() int     { return p.numBatchesProcessed }
func (p *Poll) NumBatchesTallied() int       { return p.numBatchesTallied }

// NumSignUps returns the number of state leaves of the snapshot, the blank
// leaf included.
func (p *Poll) NumSignUps() int { return len(p.stateLeaves) }

// SetCoordinatorKeypair sets the key used to decrypt messages. Messages
// already published are decrypted again.
func (p *Poll) SetCoordinatorKeypair(kp *keys.Keypair) {
	p.coordinator = kp
	p.commands = make([]*decrypted, 0, len(p.messages))
	for i := range p.messages {
		p.commands = append(p.commands, p.decrypt(i))
	}
}

// Open moves a newly created poll to MembershipOpen.
func (p *Poll) Open() error {
	if p.status != StatusCreated {
		return fmt.Errorf("%w: open poll in status %s", ErrInvalidStatus, p.status)
	}
	p.status = StatusMembershipOpen
	return nil
}

func (p *Poll) decrypt(index int) *decrypted {
	if p.coordinator == nil {
		return &decrypted{err: ErrNoCoordinatorKey}
	}
	shared := keys.SharedKey(p.coordinator.PrivKey, p.encPubKeys[index])
	cmd, sig, err := command.Decrypt(p.messages[index], shared)
	return &decrypted{cmd: cmd, sig: sig, err: err}
}

// PublishMessage appends a message to the log and the message tree. Only
// allowed before the state is merged.
func (p *Poll) PublishMessage(msg *command.Message, encPubKey keys.PublicKey) error {
	if p.status != StatusMembershipOpen && p.status != StatusVoting {
		return fmt.Errorf("%w: publish message in status %s", ErrInvalidStatus, p.status)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if encPubKey.X == nil || encPubKey.Y == nil || !encPubKey.InField() {
		return ErrInvalidEncPubKey
	}
	if len(p.messages) >= p.messageTree.Capacity() {
		return ErrMessageTreeFull
	}
	leaf, err := msg.Hash(encPubKey)
	if err != nil {
		return fmt.Errorf("hash message: %w", err)
	}
	if _, err := p.messageAQ.Enqueue(leaf); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	if err := p.messageTree.Insert(leaf); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	p.messages = append(p.messages, msg.Copy())
	p.encPubKeys = append(p.encPubKeys, encPubKey.Copy())
	p.commands = append(p.commands, p.decrypt(len(p.messages)-1))
	p.status = StatusVoting
	return nil
}

// MergeState freezes the message log and binds the poll to a copy of the
// signup snapshot. It rebuilds the state tree, creates one blank ballot per
// state leaf and merges the message queue, checking it against the message
// tree.
func (p *Poll) MergeState(snapshot Snapshot) error {
	if p.status != StatusMembershipOpen && p.status != StatusVoting {
		return fmt.Errorf("%w: merge state in status %s", ErrInvalidStatus, p.status)
	}
	if len(snapshot.StateLeaves) == 0 {
		return fmt.Errorf("%w: snapshot has no blank leaf", types.ErrInvalidPollParams)
	}
	stateTree, err := tree.New(p.params.StateTreeDepth, state.BlankStateLeafHash(), types.TreeArity)
	if err != nil {
		return err
	}
	leaves := make([]*state.StateLeaf, len(snapshot.StateLeaves))
	for i, l := range snapshot.StateLeaves {
		leaves[i] = l.Copy()
		h, err := l.Hash()
		if err != nil {
			return err
		}
		if err := stateTree.Insert(h); err != nil {
			return fmt.Errorf("insert state leaf %d: %w", i, err)
		}
	}
	if snapshot.StateRoot != nil && snapshot.StateRoot.Cmp(stateTree.Root()) != 0 {
		return fmt.Errorf("%w: snapshot state root %s, rebuilt %s", ErrAccumulatorMismatch, snapshot.StateRoot, stateTree.Root())
	}

	ballotTree, err := tree.New(p.params.StateTreeDepth, p.emptyBallotHash, types.TreeArity)
	if err != nil {
		return err
	}
	ballots := make([]*state.Ballot, len(leaves))
	for i := range ballots {
		ballots[i] = state.NewBallot(p.params.TreeDepths.VoteOptionTreeDepth)
		if err := ballotTree.Insert(p.emptyBallotHash); err != nil {
			return fmt.Errorf("insert ballot %d: %w", i, err)
		}
	}

	messageRoot, err := p.messageAQ.CheckMerge(p.params.TreeDepths.MessageTreeDepth)
	if err != nil {
		return fmt.Errorf("merge message queue: %w", err)
	}
	if messageRoot.Cmp(p.messageTree.Root()) != 0 {
		return fmt.Errorf("%w: message queue root %s, message tree root %s",
			ErrAccumulatorMismatch, messageRoot, p.messageTree.Root())
	}

	p.stateLeaves = leaves
	p.stateTree = stateTree
	p.ballots = ballots
	p.ballotTree = ballotTree
	p.messageRoot = messageRoot
	p.status = StatusMessagesFrozen
	log.Debugw("poll state merged",
		"pollID", p.params.PollID,
		"signups", len(leaves),
		"messages", len(p.messages),
		"stateRoot", stateTree.Root().String())
	return nil
}

func (p *Poll) merged() bool { return p.status >= StatusMessagesFrozen }

// StateRoot returns the root of the poll state tree, nil before the merge.
func (p *Poll) StateRoot() *big.Int {
	if !p.merged() {
		return nil
	}
	return p.stateTree.Root()
}

// BallotRoot returns the root of the ballot tree, nil before the merge.
func (p *Poll) BallotRoot() *big.Int {
	if !p.merged() {
		return nil
	}
	return p.ballotTree.Root()
}

// MessageRoot returns the merged message root, nil before the merge.
func (p *Poll) MessageRoot() *big.Int { return p.messageRoot }

// SbCommitment returns the current state and ballot commitment.
func (p *Poll) SbCommitment() (*big.Int, error) {
	if !p.merged() {
		return nil, ErrStateNotMerged
	}
	return sbCommitment(p.stateTree.Root(), p.ballotTree.Root(), p.sbSalt)
}

// TallyCommitment returns the commitment of the last tally batch, zero before
// the first one.
func (p *Poll) TallyCommitment() *big.Int { return p.tallyCommitment }

// StateLeaves returns a copy of the poll state leaves.
func (p *Poll) StateLeaves() []*state.StateLeaf {
	out := make([]*state.StateLeaf, len(p.stateLeaves))
	for i, l := range p.stateLeaves {
		out[i] = l.Copy()
	}
	return out
}

// Ballots returns a copy of the poll ballots.
func (p *Poll) Ballots() []*state.Ballot {
	out := make([]*state.Ballot, len(p.ballots))
	for i, b := range p.ballots {
		out[i] = b.Copy()
	}
	return out
}

// Copy returns a deep copy of the poll, to process speculatively without
// touching the original.
func (p *Poll) Copy() *Poll {
	cp := *p
	cp.messages = append([]*command.Message(nil), p.messages...)
	cp.encPubKeys = append([]keys.PublicKey(nil), p.encPubKeys...)
	cp.commands = append([]*decrypted(nil), p.commands...)
	cp.messageAQ = p.messageAQ.Copy()
	cp.messageTree = p.messageTree.Copy()
	if p.merged() {
		cp.stateLeaves = p.StateLeaves()
		cp.ballots = p.Ballots()
		cp.stateTree = p.stateTree.Copy()
		cp.ballotTree = p.ballotTree.Copy()
	}
	cp.results = copyValues(p.results)
	cp.perVOSpent = copyValues(p.perVOSpent)
	cp.totalSpent = new(big.Int).Set(p.totalSpent)
	return &cp
}

func copyValues(v []*big.Int) []*big.Int {
	out := make([]*big.Int, len(v))
	for i, x := range v {
		out[i] = new(big.Int).Set(x)
	}
	return out
}
