package state

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/tree"
)

func TestStateLeafHash(t *testing.T) {
	c := qt.New(t)
	kp, err := keys.KeypairFromSeed([]byte("voter"))
	c.Assert(err, qt.IsNil)
	leaf := NewStateLeaf(kp.PubKey, big.NewInt(100), big.NewInt(1700000000))

	h, err := leaf.Hash()
	c.Assert(err, qt.IsNil)
	expected, err := poseidon.Hash4(kp.PubKey.X, kp.PubKey.Y, big.NewInt(100), big.NewInt(1700000000))
	c.Assert(err, qt.IsNil)
	c.Assert(h.Cmp(expected), qt.Equals, 0)

	cp := leaf.Copy()
	c.Assert(cp.Equal(leaf), qt.IsTrue)
	cp.VoiceCreditBalance.SetInt64(1)
	c.Assert(leaf.VoiceCreditBalance.Int64(), qt.Equals, int64(100))
	c.Assert(cp.Equal(leaf), qt.IsFalse)
}

func TestBlankStateLeaf(t *testing.T) {
	c := qt.New(t)
	blank := BlankStateLeaf()
	c.Assert(blank.PubKey.Equal(keys.PadKey), qt.IsTrue)
	c.Assert(blank.VoiceCreditBalance.Sign(), qt.Equals, 0)
	h, err := blank.Hash()
	c.Assert(err, qt.IsNil)
	c.Assert(BlankStateLeafHash().Cmp(h), qt.Equals, 0)
}

func TestBallotHash(t *testing.T) {
	c := qt.New(t)
	b := NewBallot(2)
	c.Assert(b.Votes, qt.HasLen, 25)

	zeros, err := tree.Zeros(5, big.NewInt(0), 2)
	c.Assert(err, qt.IsNil)
	root, err := b.VoteOptionRoot()
	c.Assert(err, qt.IsNil)
	c.Assert(root.Cmp(zeros[2]), qt.Equals, 0)

	empty, err := EmptyBallotHash(2)
	c.Assert(err, qt.IsNil)
	expected, err := poseidon.HashLeftRight(big.NewInt(0), zeros[2])
	c.Assert(err, qt.IsNil)
	c.Assert(empty.Cmp(expected), qt.Equals, 0)

	b.Nonce = 1
	b.Votes[3] = big.NewInt(9)
	h, err := b.Hash()
	c.Assert(err, qt.IsNil)
	c.Assert(h.Cmp(empty), qt.Not(qt.Equals), 0)

	vt, err := b.VoteOptionTree()
	c.Assert(err, qt.IsNil)
	p, err := vt.Proof(3)
	c.Assert(err, qt.IsNil)
	ok, err := tree.Verify(p, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(p.Leaf.Int64(), qt.Equals, int64(9))
}

func TestBallotCopy(t *testing.T) {
	c := qt.New(t)
	b := NewBallot(1)
	b.Votes[0] = big.NewInt(4)
	cp := b.Copy()
	c.Assert(cp.Equal(b), qt.IsTrue)
	cp.Votes[0].SetInt64(5)
	cp.Nonce++
	c.Assert(b.Votes[0].Int64(), qt.Equals, int64(4))
	c.Assert(b.Nonce, qt.Equals, uint64(0))
	c.Assert(cp.Equal(b), qt.IsFalse)
}
