// Package dbtest holds the behaviour tests shared by every db.Database
// implementation.
package dbtest

import (
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/db"
)

func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	_, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Set([]byte("a"), []byte("b")), qt.IsNil)
	v, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// not visible before commit
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	v, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	wTx = database.WriteTx()
	c.Assert(wTx.Delete([]byte("a")), qt.IsNil)
	_, err = wTx.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	// discarded writes are lost
	wTx = database.WriteTx()
	c.Assert(wTx.Set([]byte("c"), []byte("d")), qt.IsNil)
	wTx.Discard()
	_, err = database.Get([]byte("c"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	prefix := []byte("prefix/")
	wTx := database.WriteTx()
	for i := range 10 {
		c.Assert(wTx.Set(fmt.Appendf(nil, "prefix/%02d", i), fmt.Appendf(nil, "v%d", i)), qt.IsNil)
	}
	c.Assert(wTx.Set([]byte("other/00"), []byte("x")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	var keys []string
	c.Assert(database.Iterate(prefix, func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.HasLen, 10)
	c.Assert(keys[0], qt.Equals, "00")
	c.Assert(keys[9], qt.Equals, "09")

	// early stop
	count := 0
	c.Assert(database.Iterate(prefix, func(k, v []byte) bool {
		count++
		return count < 3
	}), qt.IsNil)
	c.Assert(count, qt.Equals, 3)

	// a transaction sees its own pending writes
	wTx = database.WriteTx()
	defer wTx.Discard()
	c.Assert(wTx.Delete([]byte("prefix/00")), qt.IsNil)
	c.Assert(wTx.Set([]byte("prefix/10"), []byte("v10")), qt.IsNil)
	keys = nil
	c.Assert(wTx.Iterate(prefix, func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.HasLen, 10)
	c.Assert(keys[0], qt.Equals, "01")
	c.Assert(keys[9], qt.Equals, "10")
}

func TestWriteTxApply(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("a"), []byte("1")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	wTx = database.WriteTx()
	defer wTx.Discard()
	other := database.WriteTx()
	defer other.Discard()
	c.Assert(other.Set([]byte("b"), []byte("2")), qt.IsNil)
	c.Assert(other.Delete([]byte("a")), qt.IsNil)

	c.Assert(wTx.Apply(other), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	v, err := database.Get([]byte("b"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("2"))
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestWriteTxApplyPrefixed applies a transaction of a prefixed view into a
// transaction of the full database.
func TestWriteTxApplyPrefixed(t *testing.T, database, prefixed db.Database, prefix []byte) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()
	pTx := prefixed.WriteTx()
	defer pTx.Discard()
	c.Assert(pTx.Set([]byte("key"), []byte("value")), qt.IsNil)

	c.Assert(wTx.Apply(pTx), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	v, err := prefixed.Get([]byte("key"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("value"))
	v, err = database.Get(append(append([]byte{}, prefix...), "key"...))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("value"))
}

// TestConcurrentWriteTx checks that of two transactions writing a key both
// read, only the first to commit succeeds.
func TestConcurrentWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	key := []byte("counter")
	first := database.WriteTx()
	defer first.Discard()
	second := database.WriteTx()
	defer second.Discard()

	_, err := first.Get(key)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	_, err = second.Get(key)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(first.Set(key, []byte{1}), qt.IsNil)
	c.Assert(second.Set(key, []byte{2}), qt.IsNil)
	c.Assert(first.Commit(), qt.IsNil)
	c.Assert(second.Commit(), qt.ErrorIs, db.ErrConflict)

	v, err := database.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte{1})
}
