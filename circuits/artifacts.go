package circuits

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vocdoni/maci-coordinator/types"
)

var ErrArtifactHashMismatch = errors.New("artifact hash mismatch")

// Circuit names the compiled circuit an input document is meant for.
type Circuit string

const (
	ProcessMessages      Circuit = "ProcessMessages"
	ProcessMessagesNonQV Circuit = "ProcessMessagesNonQv"
	TallyVotes           Circuit = "TallyVotes"
	TallyVotesNonQV      Circuit = "TallyVotesNonQv"
)

// ProcessCircuit returns the message processing circuit for the mode.
func ProcessCircuit(mode types.Mode) Circuit {
	if mode == types.ModeNonQV {
		return ProcessMessagesNonQV
	}
	return ProcessMessages
}

// TallyCircuit returns the tally circuit for the mode.
func TallyCircuit(mode types.Mode) Circuit {
	if mode == types.ModeNonQV {
		return TallyVotesNonQV
	}
	return TallyVotes
}

// Artifact is a file required to prove a circuit, optionally pinned by its
// sha256 hash.
type Artifact struct {
	Name string
	Path string
	Hash []byte
}

// Artifacts groups the witness calculator and the proving key of a circuit.
type Artifacts struct {
	Wasm *Artifact
	Zkey *Artifact
}

// ArtifactsFromDir returns the artifacts of circuit stored in dir as
// <circuit>.wasm and <circuit>.zkey.
func ArtifactsFromDir(dir string, circuit Circuit) *Artifacts {
	return &Artifacts{
		Wasm: &Artifact{Name: string(circuit) + " wasm", Path: filepath.Join(dir, string(circuit)+".wasm")},
		Zkey: &Artifact{Name: string(circuit) + " proving key", Path: filepath.Join(dir, string(circuit)+".zkey")},
	}
}

// Load reads the artifact and checks its hash when one is set.
func (a *Artifact) Load() ([]byte, error) {
	content, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.Name, err)
	}
	if len(a.Hash) == 0 {
		return content, nil
	}
	if h := HashBytesSHA256(content); !bytes.Equal(h, a.Hash) {
		return nil, fmt.Errorf("%w: %s, expected %x, got %x", ErrArtifactHashMismatch, a.Name, a.Hash, h)
	}
	return content, nil
}

// HashBytesSHA256 returns the SHA256 hash of the provided byte slice.
func HashBytesSHA256(content []byte) []byte {
	h := sha256.Sum256(content)
	return h[:]
}

// HexHash returns the hex encoded SHA256 hash of content.
func HexHash(content []byte) string {
	return hex.EncodeToString(HashBytesSHA256(content))
}
