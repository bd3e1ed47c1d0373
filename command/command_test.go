package command

import (
	"encoding/json"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/types"
)

func testCommand(c *qt.C) (*Command, *keys.Keypair) {
	voter, err := keys.KeypairFromSeed([]byte("voter"))
	c.Assert(err, qt.IsNil)
	return &Command{
		StateIndex:      3,
		NewPubKey:       voter.PubKey,
		VoteOptionIndex: 2,
		NewVoteWeight:   9,
		Nonce:           1,
		PollID:          7,
		Salt:            big.NewInt(123456789),
	}, voter
}

func TestPackUnpack(t *testing.T) {
	c := qt.New(t)
	cmd, _ := testCommand(c)
	packed, err := cmd.Pack()
	c.Assert(err, qt.IsNil)

	expected := big.NewInt(3)
	for i, v := range []int64{2, 9, 1, 7} {
		expected.Add(expected, new(big.Int).Lsh(big.NewInt(v), uint(50*(i+1))))
	}
	c.Assert(packed.Cmp(expected), qt.Equals, 0)

	var out Command
	c.Assert(out.unpack(packed), qt.IsNil)
	c.Assert(out.StateIndex, qt.Equals, uint64(3))
	c.Assert(out.VoteOptionIndex, qt.Equals, uint64(2))
	c.Assert(out.NewVoteWeight, qt.Equals, uint64(9))
	c.Assert(out.Nonce, qt.Equals, uint64(1))
	c.Assert(out.PollID, qt.Equals, uint64(7))

	// bits above the five fields are ignored
	packed.SetBit(packed, 252, 1)
	c.Assert(out.unpack(packed), qt.IsNil)
	c.Assert(out.PollID, qt.Equals, uint64(7))

	cmd.NewVoteWeight = 1 << 50
	_, err = cmd.Pack()
	c.Assert(err, qt.ErrorIs, ErrFieldOverflow)
}

func TestHashAndSignature(t *testing.T) {
	c := qt.New(t)
	cmd, voter := testCommand(c)
	array, err := cmd.AsArray()
	c.Assert(err, qt.IsNil)
	c.Assert(array, qt.HasLen, 4)
	h, err := cmd.Hash()
	c.Assert(err, qt.IsNil)
	expected, err := poseidon.Hash4(array...)
	c.Assert(err, qt.IsNil)
	c.Assert(h.Cmp(expected), qt.Equals, 0)

	sig, err := cmd.Sign(voter)
	c.Assert(err, qt.IsNil)
	c.Assert(cmd.VerifySignature(sig, voter.PubKey), qt.IsTrue)

	other, err := keys.KeypairFromSeed([]byte("other"))
	c.Assert(err, qt.IsNil)
	c.Assert(cmd.VerifySignature(sig, other.PubKey), qt.IsFalse)

	tampered := cmd.Copy()
	tampered.NewVoteWeight++
	c.Assert(tampered.VerifySignature(sig, voter.PubKey), qt.IsFalse)
}

func TestEncryptDecrypt(t *testing.T) {
	c := qt.New(t)
	cmd, voter := testCommand(c)
	coordinator, err := keys.KeypairFromSeed([]byte("coordinator"))
	c.Assert(err, qt.IsNil)

	msg, encPubKey, err := Publish(cmd, voter, coordinator.PubKey)
	c.Assert(err, qt.IsNil)
	c.Assert(msg.Data, qt.HasLen, MessageLength)
	c.Assert(msg.Validate(), qt.IsNil)

	shared := keys.SharedKey(coordinator.PrivKey, encPubKey)
	got, sig, err := Decrypt(msg, shared)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Equal(cmd), qt.IsTrue)
	c.Assert(got.VerifySignature(sig, voter.PubKey), qt.IsTrue)

	// a different coordinator cannot read the message
	wrong, err := keys.KeypairFromSeed([]byte("not the coordinator"))
	c.Assert(err, qt.IsNil)
	_, _, err = Decrypt(msg, keys.SharedKey(wrong.PrivKey, encPubKey))
	c.Assert(err, qt.ErrorIs, poseidon.ErrInvalidAuthTag)

	_, _, err = Decrypt(&Message{Data: msg.Data[:9]}, shared)
	c.Assert(err, qt.ErrorIs, ErrMalformedMessage)

	// random salts survive the round trip
	salt, err := GenSalt()
	c.Assert(err, qt.IsNil)
	c.Assert(types.InField(salt), qt.IsTrue)
	cmd.Salt = salt
	msg, encPubKey, err = Publish(cmd, voter, coordinator.PubKey)
	c.Assert(err, qt.IsNil)
	got, _, err = Decrypt(msg, keys.SharedKey(coordinator.PrivKey, encPubKey))
	c.Assert(err, qt.IsNil)
	c.Assert(got.Salt.Cmp(salt), qt.Equals, 0)
}

func TestMessageHash(t *testing.T) {
	c := qt.New(t)
	msg := &Message{Data: make([]*big.Int, MessageLength)}
	for i := range msg.Data {
		msg.Data[i] = big.NewInt(int64(i + 1))
	}
	encPubKey := keys.PublicKey{X: big.NewInt(11), Y: big.NewInt(12)}
	h, err := msg.Hash(encPubKey)
	c.Assert(err, qt.IsNil)

	inputs := []*big.Int{big.NewInt(MessageType)}
	inputs = append(inputs, msg.Data...)
	inputs = append(inputs, encPubKey.X, encPubKey.Y)
	expected, err := poseidon.Hash13(inputs...)
	c.Assert(err, qt.IsNil)
	c.Assert(h.Cmp(expected), qt.Equals, 0)

	c.Assert(msg.AsCircuitInputs(), qt.HasLen, 11)
}

func TestMessageValidate(t *testing.T) {
	c := qt.New(t)
	c.Assert((*Message)(nil).Validate(), qt.ErrorIs, ErrMalformedMessage)
	msg := &Message{Data: make([]*big.Int, MessageLength)}
	for i := range msg.Data {
		msg.Data[i] = big.NewInt(0)
	}
	c.Assert(msg.Validate(), qt.IsNil)
	msg.Data[4] = new(big.Int).Lsh(big.NewInt(1), 255)
	c.Assert(msg.Validate(), qt.ErrorIs, ErrMalformedMessage)
}

func TestMessageJSON(t *testing.T) {
	c := qt.New(t)
	msg := &Message{Data: make([]*big.Int, MessageLength)}
	for i := range msg.Data {
		msg.Data[i] = big.NewInt(int64(100 * i))
	}
	b, err := json.Marshal(msg)
	c.Assert(err, qt.IsNil)
	c.Assert(string(b), qt.Contains, `"data":["0","100"`)

	var out Message
	c.Assert(json.Unmarshal(b, &out), qt.IsNil)
	c.Assert(out.Data, qt.HasLen, MessageLength)
	c.Assert(out.Data[9].Int64(), qt.Equals, int64(900))
}
