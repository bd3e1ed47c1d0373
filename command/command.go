// Package command implements the voter commands and the encrypted messages
// that carry them on chain.
package command

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/types"
)

// FieldBits is the width of every integer packed into a command.
const FieldBits = types.PackedFieldBits

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrFieldOverflow    = errors.New("command field does not fit in 50 bits")
)

var fieldMask = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), FieldBits), 1)

// Command is a key change and vote instruction signed by the voter.
type Command struct {
	StateIndex      uint64
	NewPubKey       keys.PublicKey
	VoteOptionIndex uint64
	NewVoteWeight   uint64
	Nonce           uint64
	PollID          uint64
	Salt            *big.Int
}

// GenSalt returns a random field element.
func GenSalt() (*big.Int, error) {
	return rand.Int(rand.Reader, types.SnarkField)
}

func (c *Command) packedFields() []uint64 {
	return []uint64{c.StateIndex, c.VoteOptionIndex, c.NewVoteWeight, c.Nonce, c.PollID}
}

// Pack returns stateIndex | voteOptionIndex<<50 | newVoteWeight<<100 |
// nonce<<150 | pollId<<200.
func (c *Command) Pack() (*big.Int, error) {
	packed := new(uint256.Int)
	for i, f := range c.packedFields() {
		if f >= 1<<FieldBits {
			return nil, fmt.Errorf("%w: field %d is %d", ErrFieldOverflow, i, f)
		}
		v := uint256.NewInt(f)
		packed.Or(packed, v.Lsh(v, uint(i*FieldBits)))
	}
	return packed.ToBig(), nil
}

// unpack fills the packed integer fields of c. Every field is truncated to
// 50 bits.
func (c *Command) unpack(packed *big.Int) error {
	p, overflow := uint256.FromBig(packed)
	if overflow {
		return fmt.Errorf("%w: packed value overflows 256 bits", ErrMalformedMessage)
	}
	fields := []*uint64{&c.StateIndex, &c.VoteOptionIndex, &c.NewVoteWeight, &c.Nonce, &c.PollID}
	for i, f := range fields {
		v := new(uint256.Int).Rsh(p, uint(i*FieldBits))
		*f = v.And(v, fieldMask).Uint64()
	}
	return nil
}

// AsArray returns [packed, newPubKey.x, newPubKey.y, salt].
func (c *Command) AsArray() ([]*big.Int, error) {
	packed, err := c.Pack()
	if err != nil {
		return nil, err
	}
	return []*big.Int{packed, c.NewPubKey.X, c.NewPubKey.Y, c.Salt}, nil
}

// Hash returns the value signed by the voter.
func (c *Command) Hash() (*big.Int, error) {
	array, err := c.AsArray()
	if err != nil {
		return nil, err
	}
	return poseidon.Hash4(array...)
}

// Sign signs the command hash with the voter key.
func (c *Command) Sign(kp *keys.Keypair) (*babyjub.Signature, error) {
	h, err := c.Hash()
	if err != nil {
		return nil, err
	}
	return kp.Sign(h), nil
}

// VerifySignature reports whether sig is a valid signature of the command by
// pk.
func (c *Command) VerifySignature(sig *babyjub.Signature, pk keys.PublicKey) bool {
	h, err := c.Hash()
	if err != nil {
		return false
	}
	return keys.Verify(pk, h, sig)
}

// Encrypt encrypts the command and its signature with the shared key.
func (c *Command) Encrypt(sig *babyjub.Signature, sharedKey [2]*big.Int) (*Message, error) {
	if sig == nil || sig.R8 == nil || sig.S == nil {
		return nil, fmt.Errorf("missing signature")
	}
	array, err := c.AsArray()
	if err != nil {
		return nil, err
	}
	plaintext := append(array, sig.R8.X, sig.R8.Y, sig.S)
	ciphertext, err := poseidon.Encrypt(plaintext, sharedKey, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("encrypt command: %w", err)
	}
	return &Message{Data: ciphertext}, nil
}

// Decrypt recovers a command and its signature from msg. It fails with
// ErrMalformedMessage when the message has the wrong shape and with
// poseidon.ErrInvalidAuthTag when the key does not match.
func Decrypt(msg *Message, sharedKey [2]*big.Int) (*Command, *babyjub.Signature, error) {
	if err := msg.Validate(); err != nil {
		return nil, nil, err
	}
	plaintext, err := poseidon.Decrypt(msg.Data, sharedKey, big.NewInt(0), plaintextLength)
	if err != nil {
		return nil, nil, err
	}
	cmd := &Command{
		NewPubKey: keys.PublicKey{X: plaintext[1], Y: plaintext[2]},
		Salt:      plaintext[3],
	}
	if err := cmd.unpack(plaintext[0]); err != nil {
		return nil, nil, err
	}
	sig := &babyjub.Signature{
		R8: &babyjub.Point{X: plaintext[4], Y: plaintext[5]},
		S:  plaintext[6],
	}
	return cmd, sig, nil
}

// Copy returns a deep copy of c.
func (c *Command) Copy() *Command {
	cp := *c
	cp.NewPubKey = c.NewPubKey.Copy()
	if c.Salt != nil {
		cp.Salt = new(big.Int).Set(c.Salt)
	}
	return &cp
}

func (c *Command) Equal(other *Command) bool {
	return c.StateIndex == other.StateIndex &&
		c.VoteOptionIndex == other.VoteOptionIndex &&
		c.NewVoteWeight == other.NewVoteWeight &&
		c.Nonce == other.Nonce &&
		c.PollID == other.PollID &&
		c.NewPubKey.Equal(other.NewPubKey) &&
		c.Salt.Cmp(other.Salt) == 0
}

// Publish signs cmd with the voter key and encrypts it for the coordinator
// with a fresh ephemeral key. It returns the message and the ephemeral public
// key to publish along with it.
func Publish(cmd *Command, voter *keys.Keypair, coordinator keys.PublicKey) (*Message, keys.PublicKey, error) {
	sig, err := cmd.Sign(voter)
	if err != nil {
		return nil, keys.PublicKey{}, err
	}
	ephemeral := keys.NewKeypair()
	msg, err := cmd.Encrypt(sig, keys.SharedKey(ephemeral.PrivKey, coordinator))
	if err != nil {
		return nil, keys.PublicKey{}, err
	}
	return msg, ephemeral.PubKey, nil
}
