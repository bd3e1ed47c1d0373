package types

import (
	"errors"
	"fmt"
)

const (
	// TreeArity is the arity of the state, ballot, message and vote option
	// trees.
	TreeArity = 5
	// StateTreeSubDepth is the subtree depth used by the signup accumulator.
	StateTreeSubDepth = 2
	// PackedFieldBits is the width of each integer packed into a command or
	// into the circuits' packedVals input.
	PackedFieldBits = 50
)

// Mode selects how vote weights are charged and tallied. It is fixed when the
// poll is deployed.
type Mode uint8

const (
	// ModeQV charges weight² voice credits per vote (quadratic voting).
	ModeQV Mode = iota
	// ModeNonQV charges weight voice credits per vote.
	ModeNonQV
)

func (m Mode) String() string {
	switch m {
	case ModeQV:
		return "qv"
	case ModeNonQV:
		return "non-qv"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m != ModeQV && m != ModeNonQV {
		return nil, fmt.Errorf("unknown voting mode %d", m)
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "qv", "":
		*m = ModeQV
	case "non-qv":
		*m = ModeNonQV
	default:
		return fmt.Errorf("unknown voting mode %q", b)
	}
	return nil
}

// TreeDepths groups the depths of the per poll trees.
type TreeDepths struct {
	IntStateTreeDepth   int `json:"intStateTreeDepth"`
	MessageTreeSubDepth int `json:"messageTreeSubDepth"`
	MessageTreeDepth    int `json:"messageTreeDepth"`
	VoteOptionTreeDepth int `json:"voteOptionTreeDepth"`
}

// BatchSizes groups the sizes of the message processing and tally batches.
type BatchSizes struct {
	MessageBatchSize int `json:"messageBatchSize"`
	TallyBatchSize   int `json:"tallyBatchSize"`
}

// MaxValues bounds the number of messages and vote options of a poll.
type MaxValues struct {
	MaxMessages    int `json:"maxMessages"`
	MaxVoteOptions int `json:"maxVoteOptions"`
}

var ErrInvalidPollParams = errors.New("invalid poll parameters")

// BatchSizes derives the batch sizes implied by the tree depths: a message
// batch is one message subtree and a tally batch is one intermediate state
// subtree.
func (d TreeDepths) BatchSizes() BatchSizes {
	return BatchSizes{
		MessageBatchSize: pow(TreeArity, d.MessageTreeSubDepth),
		TallyBatchSize:   pow(TreeArity, d.IntStateTreeDepth),
	}
}

// MaxValues returns the capacity of the message and vote option trees.
func (d TreeDepths) MaxValues() MaxValues {
	return MaxValues{
		MaxMessages:    pow(TreeArity, d.MessageTreeDepth),
		MaxVoteOptions: pow(TreeArity, d.VoteOptionTreeDepth),
	}
}

// Validate checks the depths against each other and the state tree depth.
func (d TreeDepths) Validate(stateTreeDepth int) error {
	switch {
	case d.MessageTreeSubDepth < 1 || d.MessageTreeDepth < d.MessageTreeSubDepth:
		return fmt.Errorf("%w: message tree depth %d, sub depth %d",
			ErrInvalidPollParams, d.MessageTreeDepth, d.MessageTreeSubDepth)
	case d.IntStateTreeDepth < 1 || d.IntStateTreeDepth > stateTreeDepth:
		return fmt.Errorf("%w: intermediate state tree depth %d, state tree depth %d",
			ErrInvalidPollParams, d.IntStateTreeDepth, stateTreeDepth)
	case d.VoteOptionTreeDepth < 1:
		return fmt.Errorf("%w: vote option tree depth %d", ErrInvalidPollParams, d.VoteOptionTreeDepth)
	}
	return nil
}

func pow(base, exp int) int {
	r := 1
	for range exp {
		r *= base
	}
	return r
}
