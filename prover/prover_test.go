package prover

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/db/metadb"
	"github.com/vocdoni/maci-coordinator/poll"
	"github.com/vocdoni/maci-coordinator/storage"
	"github.com/vocdoni/maci-coordinator/types"
)

// recordingProver returns the inputs it was given as public signals.
type recordingProver struct {
	mu     sync.Mutex
	calls  []circuits.Circuit
	failAt int
}

var errProver = errors.New("prover failed")

func (p *recordingProver) Prove(ctx context.Context, circuit circuits.Circuit, inputs []byte) (*Proof, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt > 0 && len(p.calls)+1 == p.failAt {
		p.failAt = 0
		return nil, errProver
	}
	p.calls = append(p.calls, circuit)
	return &Proof{Proof: "{}", PublicSignals: string(inputs)}, nil
}

func storeBatches(c *qt.C, s *storage.Storage, pollID uint64, processed, tallied int) {
	cp := &poll.Checkpoint{PollID: pollID}
	for i := range processed {
		b := &poll.ProcessBatch{
			Index:  i,
			Inputs: &circuits.ProcessMessagesInputs{InputHash: types.NewInt(int64(i))},
		}
		c.Assert(s.SetProcessBatch(storage.NewProcessBatchRecord(pollID, circuits.ProcessMessagesNonQV, b), cp), qt.IsNil)
	}
	for i := range tallied {
		b := &poll.TallyBatch{
			Index:  i,
			Inputs: &circuits.TallyVotesInputs{InputHash: types.NewInt(int64(100 + i))},
		}
		c.Assert(s.SetTallyBatch(storage.NewTallyBatchRecord(pollID, circuits.TallyVotesNonQV, b), cp), qt.IsNil)
	}
}

func TestProvePoll(t *testing.T) {
	c := qt.New(t)
	s := storage.New(metadb.NewTest(t))
	storeBatches(c, s, 1, 2, 1)

	p := &recordingProver{failAt: 2}
	n, err := ProvePoll(context.Background(), p, s, 1)
	c.Assert(err, qt.ErrorIs, errProver)
	c.Assert(n, qt.Equals, 1)

	// a second run only proves what is missing
	n, err = ProvePoll(context.Background(), p, s, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)
	c.Assert(p.calls, qt.DeepEquals, []circuits.Circuit{
		circuits.ProcessMessagesNonQV, circuits.ProcessMessagesNonQV, circuits.TallyVotesNonQV,
	})

	proof, err := s.Proof(circuits.TallyVotesNonQV, 1, 0)
	c.Assert(err, qt.IsNil)
	var inputs circuits.TallyVotesInputs
	c.Assert(json.Unmarshal([]byte(proof.PublicSignals), &inputs), qt.IsNil)
	c.Assert(inputs.InputHash.Equal(types.NewInt(100)), qt.IsTrue)

	n, err = ProvePoll(context.Background(), p, s, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)
}

func TestRapidsnarkArtifacts(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	r := NewRapidsnark(dir)

	_, err := r.Prove(context.Background(), circuits.Circuit("Unknown"), []byte("{}"))
	c.Assert(err, qt.ErrorIs, ErrUnknownCircuit)

	_, err = r.Prove(context.Background(), circuits.TallyVotes, []byte("{}"))
	c.Assert(err, qt.ErrorIs, fs.ErrNotExist)

	wasm := []byte("not a wasm module")
	c.Assert(os.WriteFile(filepath.Join(dir, "TallyVotes.wasm"), wasm, 0o600), qt.IsNil)
	r.PinArtifacts(circuits.TallyVotes, circuits.HashBytesSHA256([]byte("other")), nil)
	_, err = r.Prove(context.Background(), circuits.TallyVotes, []byte("{}"))
	c.Assert(err, qt.ErrorIs, circuits.ErrArtifactHashMismatch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Prove(ctx, circuits.TallyVotes, []byte("{}"))
	c.Assert(err, qt.ErrorIs, context.Canceled)
}
