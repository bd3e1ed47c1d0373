// Package inmemory is an ephemeral db.Database with optimistic
// transactions, used by tests and dry runs.
package inmemory

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/vocdoni/maci-coordinator/db"
)

var errTxDone = errors.New("inmemory tx already committed or discarded")

type entry struct {
	value   []byte
	version uint64
	deleted bool
}

// InMemoryDB keeps every key in a map. Each write bumps a global version,
// which lets transactions detect conflicting commits. Deleted keys stay as
// tombstones.
type InMemoryDB struct {
	mu          sync.RWMutex
	data        map[string]entry
	nextVersion uint64
}

var _ db.Database = (*InMemoryDB)(nil)

// New returns an empty database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{data: make(map[string]entry)}, nil
}

func (d *InMemoryDB) Close() error   { return nil }
func (d *InMemoryDB) Compact() error { return nil }

func (d *InMemoryDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:     d,
		writes: make(map[string]*[]byte),
		reads:  make(map[string]uint64),
	}
}

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ent, ok := d.data[string(key)]
	if !ok || ent.deleted {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(ent.value), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	entries, _ := d.snapshot(prefix)
	iterateEntries(entries, prefix, callback)
	return nil
}

// snapshot copies the entries under prefix with their versions.
func (d *InMemoryDB) snapshot(prefix []byte) (map[string][]byte, map[string]uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entries := make(map[string][]byte)
	versions := make(map[string]uint64)
	for k, ent := range d.data {
		if !ent.deleted && strings.HasPrefix(k, string(prefix)) {
			entries[k] = bytes.Clone(ent.value)
			versions[k] = ent.version
		}
	}
	return entries, versions
}

func (d *InMemoryDB) version(key string) uint64 {
	return d.data[key].version
}

// WriteTx buffers writes and records the version of every key it reads or
// writes. Commit fails with db.ErrConflict if any of them changed.
type WriteTx struct {
	db     *InMemoryDB
	writes map[string]*[]byte
	reads  map[string]uint64
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) track(key string) {
	if _, ok := tx.reads[key]; ok {
		return
	}
	tx.db.mu.RLock()
	tx.reads[key] = tx.db.version(key)
	tx.db.mu.RUnlock()
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if pending, ok := tx.writes[k]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	tx.track(k)
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	entries, versions := tx.db.snapshot(prefix)
	for k, ver := range versions {
		if _, ok := tx.reads[k]; !ok {
			tx.reads[k] = ver
		}
	}
	for k, v := range tx.writes {
		if !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}
	iterateEntries(entries, prefix, callback)
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	if tx.done {
		return errTxDone
	}
	k := string(key)
	tx.track(k)
	v := bytes.Clone(value)
	tx.writes[k] = &v
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	if tx.done {
		return errTxDone
	}
	k := string(key)
	tx.track(k)
	tx.writes[k] = nil
	return nil
}

// Apply copies the pending writes of another in-memory transaction.
func (tx *WriteTx) Apply(other db.WriteTx) error {
	o, ok := db.UnwrapWriteTx(other).(*WriteTx)
	if !ok {
		return fmt.Errorf("cannot apply %T to an inmemory tx", other)
	}
	for k, v := range o.writes {
		var err error
		if v == nil {
			err = tx.Delete([]byte(k))
		} else {
			err = tx.Set([]byte(k), *v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return errTxDone
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for k, ver := range tx.reads {
		if tx.db.version(k) != ver {
			return db.ErrConflict
		}
	}
	for k, v := range tx.writes {
		tx.db.nextVersion++
		if v == nil {
			tx.db.data[k] = entry{version: tx.db.nextVersion, deleted: true}
			continue
		}
		tx.db.data[k] = entry{value: bytes.Clone(*v), version: tx.db.nextVersion}
	}
	tx.done = true
	return nil
}

func (tx *WriteTx) Discard() {
	tx.writes = map[string]*[]byte{}
	tx.reads = map[string]uint64{}
	tx.done = true
}

func iterateEntries(entries map[string][]byte, prefix []byte, callback func(key, value []byte) bool) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !callback([]byte(k)[len(prefix):], entries[k]) {
			return
		}
	}
}
