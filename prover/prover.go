// Package prover turns stored circuit inputs into Groth16 proofs using the
// rapidsnark prover and the circom witness calculator.
package prover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iden3/go-rapidsnark/prover"
	"github.com/iden3/go-rapidsnark/witness"
	"github.com/vocdoni/maci-coordinator/circuits"
	"github.com/vocdoni/maci-coordinator/log"
)

var ErrUnknownCircuit = errors.New("unknown circuit")

// Proof is a Groth16 proof and its public signals, both JSON encoded.
type Proof struct {
	Proof         string
	PublicSignals string
}

// Prover proves a circuit for the given JSON input document.
type Prover interface {
	Prove(ctx context.Context, circuit circuits.Circuit, inputs []byte) (*Proof, error)
}

// proverMu serializes calls to the rapidsnark Groth16 prover, which is not
// safe for concurrent use.
var proverMu sync.Mutex

// loaded is a circuit ready to be proven. Its witness calculator is reused
// across proofs and guarded by mu.
type loaded struct {
	mu   sync.Mutex
	calc *witness.Circom2WitnessCalculator
	zkey []byte
}

// Rapidsnark proves the circuits whose artifacts are stored in a directory
// as <circuit>.wasm and <circuit>.zkey. Artifacts are loaded on first use.
type Rapidsnark struct {
	dir    string
	hashes map[circuits.Circuit][2][]byte

	mu     sync.Mutex
	loaded map[circuits.Circuit]*loaded
}

var _ Prover = (*Rapidsnark)(nil)

// NewRapidsnark creates a prover reading its artifacts from dir.
func NewRapidsnark(dir string) *Rapidsnark {
	return &Rapidsnark{
		dir:    dir,
		hashes: make(map[circuits.Circuit][2][]byte),
		loaded: make(map[circuits.Circuit]*loaded),
	}
}

// PinArtifacts sets the expected sha256 hashes of the wasm and zkey of a
// circuit. It must be called before the circuit is first proven.
func (r *Rapidsnark) PinArtifacts(circuit circuits.Circuit, wasmHash, zkeyHash []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes[circuit] = [2][]byte{wasmHash, zkeyHash}
}

func (r *Rapidsnark) load(circuit circuits.Circuit) (*loaded, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loaded[circuit]; ok {
		return l, nil
	}
	switch circuit {
	case circuits.ProcessMessages, circuits.ProcessMessagesNonQV, circuits.TallyVotes, circuits.TallyVotesNonQV:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCircuit, circuit)
	}
	artifacts := circuits.ArtifactsFromDir(r.dir, circuit)
	if h, ok := r.hashes[circuit]; ok {
		artifacts.Wasm.Hash, artifacts.Zkey.Hash = h[0], h[1]
	}
	wasm, err := artifacts.Wasm.Load()
	if err != nil {
		return nil, err
	}
	zkey, err := artifacts.Zkey.Load()
	if err != nil {
		return nil, err
	}
	calc, err := witness.NewCircom2WitnessCalculator(wasm, true)
	if err != nil {
		return nil, fmt.Errorf("instance witness calculator for %s: %w", circuit, err)
	}
	l := &loaded{calc: calc, zkey: zkey}
	r.loaded[circuit] = l
	log.Debugw("circuit artifacts loaded",
		"circuit", string(circuit),
		"wasmHash", circuits.HexHash(wasm),
		"zkeyHash", circuits.HexHash(zkey))
	return l, nil
}

// Prove computes the witness of inputs and proves it.
func (r *Rapidsnark) Prove(ctx context.Context, circuit circuits.Circuit, inputs []byte) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := r.load(circuit)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	parsed, err := witness.ParseInputs(inputs)
	if err != nil {
		return nil, fmt.Errorf("circom inputs: %w", err)
	}
	l.mu.Lock()
	wtns, err := l.calc.CalculateWTNSBin(parsed, true)
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("calculate witness: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proverMu.Lock()
	proof, pubSignals, err := prover.Groth16ProverRaw(l.zkey, wtns)
	proverMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("groth16 prover: %w", err)
	}
	log.Debugw("proof generated", "circuit", string(circuit), "elapsedMs", log.Elapsed(start))
	return &Proof{Proof: proof, PublicSignals: pubSignals}, nil
}
