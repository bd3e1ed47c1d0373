// Package events models the ordered contract event stream the coordinator
// replays: signups, poll deployments, published messages and state merges.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/maci-coordinator/command"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/types"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrOutOfOrder     = errors.New("event stream is out of order")
)

// maxLineSize bounds a single JSON line of the stream.
const maxLineSize = 1 << 20

type Kind string

const (
	KindSignUp         Kind = "signUp"
	KindDeployPoll     Kind = "deployPoll"
	KindPublishMessage Kind = "publishMessage"
	KindMergeState     Kind = "mergeState"
)

// Position locates an event in the chain.
type Position struct {
	BlockNumber uint64      `json:"blockNumber"`
	LogIndex    uint64      `json:"logIndex"`
	TxHash      common.Hash `json:"txHash"`
}

// Before reports whether p comes strictly before o in chain order.
func (p Position) Before(o Position) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber < o.BlockNumber
	}
	return p.LogIndex < o.LogIndex
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.BlockNumber, p.LogIndex)
}

type SignUp struct {
	PubKey             keys.PublicKey `json:"pubKey"`
	VoiceCreditBalance *types.BigInt  `json:"voiceCreditBalance"`
	Timestamp          *types.BigInt  `json:"timestamp"`
}

type DeployPoll struct {
	PollID         uint64           `json:"pollId"`
	StartTimestamp uint64           `json:"startTimestamp"`
	EndTimestamp   uint64           `json:"endTimestamp"`
	TreeDepths     types.TreeDepths `json:"treeDepths"`
	MaxVoteOptions int              `json:"maxVoteOptions"`
	Mode           types.Mode       `json:"mode"`
}

type PublishMessage struct {
	PollID    uint64           `json:"pollId"`
	Message   *command.Message `json:"message"`
	EncPubKey keys.PublicKey   `json:"encPubKey"`
}

// MergeState closes the signup period of a poll. StateRoot, when present,
// is the on-chain root the replayed state tree must match.
type MergeState struct {
	PollID    uint64        `json:"pollId"`
	StateRoot *types.BigInt `json:"stateRoot,omitempty"`
}

// Event is one record of the stream. Exactly the payload matching Kind is
// set.
type Event struct {
	Kind Kind `json:"kind"`
	Position
	SignUp         *SignUp         `json:"signUp,omitempty"`
	DeployPoll     *DeployPoll     `json:"deployPoll,omitempty"`
	PublishMessage *PublishMessage `json:"publishMessage,omitempty"`
	MergeState     *MergeState     `json:"mergeState,omitempty"`
}

// Check verifies that the event carries the payload of its kind and
// nothing else.
func (e *Event) Check() error {
	set := 0
	for _, p := range []bool{e.SignUp != nil, e.DeployPoll != nil, e.PublishMessage != nil, e.MergeState != nil} {
		if p {
			set++
		}
	}
	var ok bool
	switch e.Kind {
	case KindSignUp:
		ok = e.SignUp != nil && e.SignUp.PubKey.X != nil && e.SignUp.PubKey.Y != nil &&
			e.SignUp.VoiceCreditBalance != nil
	case KindDeployPoll:
		ok = e.DeployPoll != nil
	case KindPublishMessage:
		ok = e.PublishMessage != nil && e.PublishMessage.Message != nil &&
			e.PublishMessage.EncPubKey.X != nil && e.PublishMessage.EncPubKey.Y != nil
	case KindMergeState:
		ok = e.MergeState != nil
	default:
		return fmt.Errorf("%w: unknown kind %q at %s", ErrMalformedEvent, e.Kind, e.Position)
	}
	if !ok || set != 1 {
		return fmt.Errorf("%w: %s event at %s has an invalid payload", ErrMalformedEvent, e.Kind, e.Position)
	}
	return nil
}

// Sort orders events by block number and log index. Events at the same
// position keep their source order.
func Sort(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		switch {
		case a.Position.Before(b.Position):
			return -1
		case b.Position.Before(a.Position):
			return 1
		}
		return 0
	})
}

// Validate checks every event and that the stream never goes back in chain
// order.
func Validate(events []Event) error {
	for i := range events {
		if err := events[i].Check(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if i > 0 && events[i].Position.Before(events[i-1].Position) {
			return fmt.Errorf("%w: event %d at %s follows %s",
				ErrOutOfOrder, i, events[i].Position, events[i-1].Position)
		}
	}
	return nil
}

// ReadJSONLines reads one JSON event per line. Blank lines are skipped.
func ReadJSONLines(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var events []Event
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrMalformedEvent, line, err)
		}
		if err := e.Check(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// WriteJSONLines writes events in the format read by ReadJSONLines.
func WriteJSONLines(w io.Writer, events []Event) error {
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("write event %d: %w", i, err)
		}
	}
	return nil
}
