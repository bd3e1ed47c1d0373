package command

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/types"
)

const (
	// MessageType tags vote messages in the message tree leaf.
	MessageType = 1
	// MessageLength is the number of ciphertext elements of a message.
	MessageLength = 10

	plaintextLength = 7
)

// Message is an encrypted command as published on chain.
type Message struct {
	Data []*big.Int
}

// Validate checks the message length and that every element is a field
// element.
func (m *Message) Validate() error {
	if m == nil || len(m.Data) != MessageLength {
		return fmt.Errorf("%w: expected %d elements", ErrMalformedMessage, MessageLength)
	}
	for i, d := range m.Data {
		if d == nil || !types.InField(d) {
			return fmt.Errorf("%w: element %d is not a field element", ErrMalformedMessage, i)
		}
	}
	return nil
}

// AsCircuitInputs returns [msgType, data...].
func (m *Message) AsCircuitInputs() []*big.Int {
	return append([]*big.Int{big.NewInt(MessageType)}, m.Data...)
}

// Hash returns the message tree leaf of m published with encPubKey.
func (m *Message) Hash(encPubKey keys.PublicKey) (*big.Int, error) {
	return poseidon.Hash13(append(m.AsCircuitInputs(), encPubKey.X, encPubKey.Y)...)
}

func (m *Message) Copy() *Message {
	data := make([]*big.Int, len(m.Data))
	for i, d := range m.Data {
		data[i] = new(big.Int).Set(d)
	}
	return &Message{Data: data}
}

type messageJSON struct {
	Data []*types.BigInt `json:"data"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{Data: types.FromBigs(m.Data)})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var aux messageJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.Data = types.ToBigs(aux.Data)
	return nil
}
