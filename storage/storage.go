/*
Package storage persists the outputs of the coordinator so that an
interrupted run can be resumed and its artifacts collected afterwards.

# Storage Organization

Every record lives under a prefix of a single key-value database. Poll ids
are encoded as 8 byte big endian integers and batch indexes as 4 byte big
endian integers, so iterating a prefix walks them in order.

  - cp/ : pollID → poll.Checkpoint (CBOR)
  - pb/ : pollID + batch index → ProcessBatchRecord (JSON)
  - tb/ : pollID + batch index → TallyBatchRecord (JSON)
  - tr/ : pollID → circuits.TallyResult (JSON)
  - pf/ : circuit + pollID + batch index → Proof (JSON)

A batch record and the checkpoint reached after it are written in the same
transaction, so a stored checkpoint never points past a missing batch.
*/
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vocdoni/maci-coordinator/db"
	"github.com/vocdoni/maci-coordinator/db/prefixeddb"
	"github.com/vocdoni/maci-coordinator/log"
)

var (
	ErrNotFound = errors.New("not found")

	checkpointPrefix   = []byte("cp/")
	processBatchPrefix = []byte("pb/")
	tallyBatchPrefix   = []byte("tb/")
	resultsPrefix      = []byte("tr/")
	proofPrefix        = []byte("pf/")

	cacheSize = 1000
)

// Storage stores checkpoints, batch witnesses, results and proofs. It is
// safe for concurrent use.
type Storage struct {
	db    db.Database
	cache *lru.Cache[string, any]
}

// New creates a new Storage instance on top of database.
func New(database db.Database) *Storage {
	cache, err := lru.New[string, any](cacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Storage{db: database, cache: cache}
}

// Close closes the underlying database.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err)
	}
}

// Compact compacts the underlying database.
func (s *Storage) Compact() error {
	return s.db.Compact()
}

func pollKey(pollID uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, pollID)
}

func batchKey(pollID uint64, index int) []byte {
	return binary.BigEndian.AppendUint32(pollKey(pollID), uint32(index))
}

func cacheKey(prefix, key []byte) string {
	return string(prefix) + string(key)
}

// setArtifacts encodes and writes several artifacts in a single
// transaction. Cached copies are dropped once it commits.
func (s *Storage) setArtifacts(artifacts ...artifact) error {
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	for _, a := range artifacts {
		data, err := EncodeArtifact(a.value, a.encoding)
		if err != nil {
			return fmt.Errorf("encode artifact %s%x: %w", a.prefix, a.key, err)
		}
		if err := prefixeddb.NewPrefixedWriteTx(wTx, a.prefix).Set(a.key, data); err != nil {
			return err
		}
	}
	if err := wTx.Commit(); err != nil {
		return fmt.Errorf("commit artifacts: %w", err)
	}
	for _, a := range artifacts {
		s.cache.Remove(cacheKey(a.prefix, a.key))
	}
	return nil
}

type artifact struct {
	prefix   []byte
	key      []byte
	value    any
	encoding ArtifactEncoding
}

// getArtifact decodes the artifact stored at prefix and key into out. It
// returns ErrNotFound when there is none.
func (s *Storage) getArtifact(prefix, key []byte, out any, encoding ArtifactEncoding) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := DecodeArtifact(data, out, encoding); err != nil {
		return fmt.Errorf("could not decode artifact: %w", err)
	}
	return nil
}

// cachedArtifact returns the cached value at prefix and key, loading it
// with load on a miss.
func cachedArtifact[T any](s *Storage, prefix, key []byte, load func() (*T, error)) (*T, error) {
	ck := cacheKey(prefix, key)
	if val, ok := s.cache.Get(ck); ok {
		if v, ok := val.(*T); ok {
			return v, nil
		}
		log.Warnw("cache hit but type assertion failed", "expected", fmt.Sprintf("%T", new(T)), "got", fmt.Sprintf("%T", val))
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	s.cache.Add(ck, v)
	return v, nil
}

// listArtifacts retrieves the keys stored under prefix.
func (s *Storage) listArtifacts(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	if err := prefixeddb.NewPrefixedReader(s.db, prefix).Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// deletePrefix removes every key under prefix.
func (s *Storage) deletePrefix(prefix []byte) error {
	keys, err := s.listArtifacts(prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	for _, k := range keys {
		if err := wTx.Delete(k); err != nil {
			return err
		}
	}
	if err := wTx.Commit(); err != nil {
		return err
	}
	for _, k := range keys {
		s.cache.Remove(cacheKey(prefix, k))
	}
	return nil
}
