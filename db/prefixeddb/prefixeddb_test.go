package prefixeddb

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/db"
	"github.com/vocdoni/maci-coordinator/db/inmemory"
	"github.com/vocdoni/maci-coordinator/db/internal/dbtest"
)

func TestPrefixedDatabase(t *testing.T) {
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	prefixed := NewPrefixedDatabase(database, []byte("p/"))

	dbtest.TestWriteTx(t, prefixed)
	dbtest.TestIterate(t, prefixed)

	// keys live under the prefix in the parent database
	wTx := prefixed.WriteTx()
	c.Assert(wTx.Set([]byte("k"), []byte("v")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	v, err := database.Get([]byte("p/k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v"))

	v, err = NewPrefixedReader(database, []byte("p/")).Get([]byte("k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v"))

	// nested prefixes compose
	nested := NewPrefixedDatabase(prefixed, []byte("n/"))
	wTx = nested.WriteTx()
	c.Assert(wTx.Set([]byte("k"), []byte("w")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	v, err = database.Get([]byte("p/n/k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("w"))
	_, wrapped := db.UnwrapWriteTx(nested.WriteTx()).(db.WriteTxWrapper)
	c.Assert(wrapped, qt.IsFalse)
}
