package circuits

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/tree"
	"github.com/vocdoni/maci-coordinator/types"
)

func TestCommitments(t *testing.T) {
	c := qt.New(t)
	values := []*big.Int{big.NewInt(3), big.NewInt(0), big.NewInt(5)}
	root, err := VoteOptionRoot(values, 1)
	c.Assert(err, qt.IsNil)
	expected, err := poseidon.Hash5(big.NewInt(3), big.NewInt(0), big.NewInt(5), big.NewInt(0), big.NewInt(0))
	c.Assert(err, qt.IsNil)
	c.Assert(root.Cmp(expected), qt.Equals, 0)

	_, err = VoteOptionRoot(append(values, values...), 1)
	c.Assert(err, qt.ErrorIs, tree.ErrTreeFull)

	rc, err := RootCommitment(values, big.NewInt(9), 1)
	c.Assert(err, qt.IsNil)
	expected, err = poseidon.HashLeftRight(root, big.NewInt(9))
	c.Assert(err, qt.IsNil)
	c.Assert(rc.Cmp(expected), qt.Equals, 0)

	a, b, d := big.NewInt(1), big.NewInt(2), big.NewInt(3)
	qv, err := TallyCommitment(true, a, b, d)
	c.Assert(err, qt.IsNil)
	expected, err = poseidon.Hash3(a, b, d)
	c.Assert(err, qt.IsNil)
	c.Assert(qv.Cmp(expected), qt.Equals, 0)

	nonQV, err := TallyCommitment(false, a, b, d)
	c.Assert(err, qt.IsNil)
	expected, err = poseidon.HashLeftRight(a, b)
	c.Assert(err, qt.IsNil)
	c.Assert(nonQV.Cmp(expected), qt.Equals, 0)
}

func buildResult(c *qt.C, quadratic bool) *TallyResult {
	tally := []*big.Int{big.NewInt(4), big.NewInt(1)}
	perVO := []*big.Int{big.NewInt(16), big.NewInt(1)}
	salt := big.NewInt(77)
	results, err := RootCommitment(tally, salt, 1)
	c.Assert(err, qt.IsNil)
	spent, err := SpentCommitment(big.NewInt(17), salt)
	c.Assert(err, qt.IsNil)
	r := &TallyResult{
		PollID:      2,
		IsQuadratic: quadratic,
		Results: TallyValues{
			Tally:      types.FromBigs(tally),
			Salt:       types.FromBig(salt),
			Commitment: types.FromBig(results),
		},
		TotalSpentVoiceCredits: SpentValues{
			Spent:      types.NewInt(17),
			Salt:       types.FromBig(salt),
			Commitment: types.FromBig(spent),
		},
	}
	perVOCommitment := big.NewInt(0)
	if quadratic {
		perVOCommitment, err = RootCommitment(perVO, salt, 1)
		c.Assert(err, qt.IsNil)
		r.PerVOSpentVoiceCredits = &TallyValues{
			Tally:      types.FromBigs(perVO),
			Salt:       types.FromBig(salt),
			Commitment: types.FromBig(perVOCommitment),
		}
	}
	commitment, err := TallyCommitment(quadratic, results, spent, perVOCommitment)
	c.Assert(err, qt.IsNil)
	r.NewTallyCommitment = types.FromBig(commitment)
	return r
}

func TestTallyResultVerify(t *testing.T) {
	c := qt.New(t)
	for _, quadratic := range []bool{true, false} {
		r := buildResult(c, quadratic)
		c.Assert(r.Verify(1), qt.IsNil)

		b, err := json.Marshal(r)
		c.Assert(err, qt.IsNil)
		var decoded TallyResult
		c.Assert(json.Unmarshal(b, &decoded), qt.IsNil)
		c.Assert(decoded.Verify(1), qt.IsNil)

		r.Results.Tally[1] = types.NewInt(2)
		c.Assert(r.Verify(1), qt.ErrorIs, ErrTallyCommitmentMismatch)
	}

	r := buildResult(c, false)
	b, err := json.Marshal(r)
	c.Assert(err, qt.IsNil)
	c.Assert(string(b), qt.Not(qt.Contains), "perVOSpentVoiceCredits")
	c.Assert(string(b), qt.Contains, `"tally":["4","1"]`)
}

func TestInputsJSONNames(t *testing.T) {
	c := qt.New(t)
	in := &TallyVotesInputs{
		StateRoot:      types.NewInt(1),
		CurrentResults: types.FromBigs([]*big.Int{big.NewInt(2)}),
	}
	b, err := json.Marshal(in)
	c.Assert(err, qt.IsNil)
	c.Assert(string(b), qt.Contains, `"stateRoot":"1"`)
	c.Assert(string(b), qt.Contains, `"currentResults":["2"]`)
	c.Assert(string(b), qt.Not(qt.Contains), "currentPerVOSpentVoiceCredits")
}

func TestArtifactLoad(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	content := []byte("zkey content")
	c.Assert(os.WriteFile(filepath.Join(dir, "TallyVotes.zkey"), content, 0o600), qt.IsNil)

	a := ArtifactsFromDir(dir, TallyCircuit(types.ModeQV))
	got, err := a.Zkey.Load()
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, content)

	a.Zkey.Hash = HashBytesSHA256(content)
	_, err = a.Zkey.Load()
	c.Assert(err, qt.IsNil)

	a.Zkey.Hash = HashBytesSHA256([]byte("other"))
	_, err = a.Zkey.Load()
	c.Assert(err, qt.ErrorIs, ErrArtifactHashMismatch)

	_, err = a.Wasm.Load()
	c.Assert(err, qt.Not(qt.IsNil))

	c.Assert(ProcessCircuit(types.ModeNonQV), qt.Equals, ProcessMessagesNonQV)
	c.Assert(HexHash(content), qt.HasLen, 64)
}
