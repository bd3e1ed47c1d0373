// Package db defines the key/value store used to persist coordinator
// progress. Implementations live in the subpackages.
package db

import (
	"errors"
)

// Supported database types.
const (
	TypePebble  = "pebble"
	TypeLevelDB = "leveldb"
	TypeInMem   = "inmem"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when a key read by the transaction
	// was modified by another transaction committed in between.
	ErrConflict = errors.New("transaction conflict")
)

// Options configures a database. Path is ignored by in-memory databases.
type Options struct {
	Path string
}

// Reader is the read only side of a database or transaction.
type Reader interface {
	// Get returns the value of key, or ErrKeyNotFound. The returned slice
	// belongs to the caller.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback, in lexicographic key order, for every pair
	// whose key starts with prefix. The key passed to callback has the
	// prefix removed. Iteration stops when callback returns false. The
	// slices are only valid during the call.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is a set of writes applied atomically on Commit. Reads observe
// the pending writes of the transaction.
type WriteTx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	// Apply copies every pending write of other into this transaction.
	Apply(other WriteTx) error
	Commit() error
	// Discard releases the transaction. It is safe to call after Commit.
	Discard()
}

// Database is a key/value store.
type Database interface {
	Reader
	WriteTx() WriteTx
	Close() error
	Compact() error
}

// WriteTxWrapper is implemented by transactions decorating another one,
// such as the prefixed transactions.
type WriteTxWrapper interface {
	Unwrap() WriteTx
}

// UnwrapWriteTx returns the innermost transaction of a chain of wrappers.
func UnwrapWriteTx(tx WriteTx) WriteTx {
	for {
		w, ok := tx.(WriteTxWrapper)
		if !ok {
			return tx
		}
		tx = w.Unwrap()
	}
}
