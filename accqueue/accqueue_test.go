package accqueue

import (
	"fmt"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/maci-coordinator/tree"
)

func fillQueue(c *qt.C, q *AccQueue, n int) []*big.Int {
	leaves := make([]*big.Int, 0, n)
	for i := range n {
		leaf := big.NewInt(int64(1000 + i))
		idx, err := q.Enqueue(leaf)
		c.Assert(err, qt.IsNil)
		c.Assert(idx, qt.Equals, i)
		leaves = append(leaves, leaf)
	}
	return leaves
}

func treeRoot(c *qt.C, depth, arity int, zero *big.Int, leaves []*big.Int) *big.Int {
	t, err := tree.New(depth, zero, arity)
	c.Assert(err, qt.IsNil)
	for _, l := range leaves {
		c.Assert(t.Insert(l), qt.IsNil)
	}
	return t.Root()
}

func TestMergeMatchesTree(t *testing.T) {
	c := qt.New(t)
	zero := big.NewInt(0)
	for _, arity := range []int{2, 5} {
		for _, n := range []int{1, 3, 4, 5, 25, 26, 60} {
			c.Run(fmt.Sprintf("arity%d/leaves%d", arity, n), func(c *qt.C) {
				q, err := New(2, arity, zero)
				c.Assert(err, qt.IsNil)
				leaves := fillQueue(c, q, n)

				c.Assert(q.MergeSubRoots(0), qt.IsNil)
				c.Assert(q.SubTreesMerged(), qt.IsTrue)
				depth := q.CalcSRTDepth() + 1
				root, err := q.Merge(depth)
				c.Assert(err, qt.IsNil)
				c.Assert(root.Cmp(treeRoot(c, depth, arity, zero, leaves)), qt.Equals, 0)

				direct, err := q.MergeDirect(depth)
				c.Assert(err, qt.IsNil)
				c.Assert(direct.Cmp(root), qt.Equals, 0)

				stored, err := q.Root(depth)
				c.Assert(err, qt.IsNil)
				c.Assert(stored.Cmp(root), qt.Equals, 0)
				c.Assert(q.HasRoot(depth), qt.IsTrue)
			})
		}
	}
}

func TestSubRootsAndFill(t *testing.T) {
	c := qt.New(t)
	zero := big.NewInt(0)
	q, err := New(1, 5, zero)
	c.Assert(err, qt.IsNil)
	leaves := fillQueue(c, q, 7)
	c.Assert(q.NumSubtrees(), qt.Equals, 1)

	sr, err := q.SubRoot(0)
	c.Assert(err, qt.IsNil)
	c.Assert(sr.Cmp(treeRoot(c, 1, 5, zero, leaves[:5])), qt.Equals, 0)

	c.Assert(q.Fill(), qt.IsNil)
	c.Assert(q.NumSubtrees(), qt.Equals, 2)
	c.Assert(q.NumLeaves(), qt.Equals, 10)
	sr, err = q.SubRoot(1)
	c.Assert(err, qt.IsNil)
	c.Assert(sr.Cmp(treeRoot(c, 1, 5, zero, leaves[5:])), qt.Equals, 0)

	// filling on a subtree boundary records an empty subtree
	c.Assert(q.Fill(), qt.IsNil)
	sr, err = q.SubRoot(2)
	c.Assert(err, qt.IsNil)
	c.Assert(sr.Cmp(q.ZeroValue(1)), qt.Equals, 0)
	c.Assert(q.CalcSRTDepth(), qt.Equals, 2)

	_, err = q.SubRoot(3)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestPartialSubRootMerge(t *testing.T) {
	c := qt.New(t)
	zero := big.NewInt(5)
	q, err := New(1, 5, zero)
	c.Assert(err, qt.IsNil)
	leaves := fillQueue(c, q, 33)

	calls := 0
	for !q.SubTreesMerged() {
		c.Assert(q.MergeSubRoots(2), qt.IsNil)
		calls++
	}
	// 7 subroots queued two at a time
	c.Assert(calls, qt.Equals, 4)

	root, err := q.Merge(3)
	c.Assert(err, qt.IsNil)
	c.Assert(root.Cmp(treeRoot(c, 3, 5, zero, leaves)), qt.Equals, 0)
}

func TestMergeErrors(t *testing.T) {
	c := qt.New(t)
	q, err := New(2, 5, big.NewInt(0))
	c.Assert(err, qt.IsNil)
	fillQueue(c, q, 30)

	_, err = q.Merge(3)
	c.Assert(err, qt.ErrorIs, ErrSubRootsNotMerged)
	_, err = q.Root(3)
	c.Assert(err, qt.ErrorIs, ErrNotMerged)

	c.Assert(q.MergeSubRoots(0), qt.IsNil)
	_, err = q.Merge(2)
	c.Assert(err, qt.ErrorIs, ErrDepthTooSmall)
	_, err = q.MergeDirect(2)
	c.Assert(err, qt.ErrorIs, ErrDepthTooSmall)
	_, err = q.Merge(MaxDepth + 1)
	c.Assert(err, qt.ErrorIs, ErrDepthTooLarge)

	root, err := q.Merge(4)
	c.Assert(err, qt.IsNil)

	// merging again is a no-op returning the cached root
	c.Assert(q.MergeSubRoots(0), qt.IsNil)
	again, err := q.Merge(4)
	c.Assert(err, qt.IsNil)
	c.Assert(again, qt.Equals, root)

	// a new leaf invalidates the merge
	_, err = q.Enqueue(big.NewInt(1))
	c.Assert(err, qt.IsNil)
	c.Assert(q.HasRoot(4), qt.IsFalse)
	c.Assert(q.SubTreesMerged(), qt.IsFalse)
}

func TestEmptyQueue(t *testing.T) {
	c := qt.New(t)
	q, err := New(2, 5, big.NewInt(3))
	c.Assert(err, qt.IsNil)
	for _, depth := range []int{2, 5, 10} {
		root, err := q.Root(depth)
		c.Assert(err, qt.IsNil)
		c.Assert(root.Cmp(q.ZeroValue(depth)), qt.Equals, 0)
	}
	c.Assert(q.MergeSubRoots(0), qt.IsNil)
	root, err := q.Merge(4)
	c.Assert(err, qt.IsNil)
	c.Assert(root.Cmp(treeRoot(c, 4, 5, big.NewInt(3), nil)), qt.Equals, 0)
}

func TestCheckMerge(t *testing.T) {
	c := qt.New(t)
	q, err := New(2, 5, big.NewInt(0))
	c.Assert(err, qt.IsNil)
	leaves := fillQueue(c, q, 52)
	root, err := q.CheckMerge(5)
	c.Assert(err, qt.IsNil)
	c.Assert(root.Cmp(treeRoot(c, 5, 5, big.NewInt(0), leaves)), qt.Equals, 0)

	// corrupt a subroot, the batched merge no longer matches the leaves
	bad := q.Copy()
	bad.subRoots[1] = big.NewInt(42)
	bad.invalidate()
	_, err = bad.CheckMerge(5)
	c.Assert(err, qt.ErrorIs, ErrAccumulatorMismatch)
}

func TestEnqueueAfterMerge(t *testing.T) {
	c := qt.New(t)
	zero := big.NewInt(0)
	q, err := New(1, 2, zero)
	c.Assert(err, qt.IsNil)
	_, err = q.Enqueue(big.NewInt(1))
	c.Assert(err, qt.IsNil)
	root, err := q.CheckMerge(3)
	c.Assert(err, qt.IsNil)
	c.Assert(root.Cmp(treeRoot(c, 3, 2, zero, []*big.Int{big.NewInt(1)})), qt.Equals, 0)

	// the merge filled the first subtree, the next leaf starts the second
	idx, err := q.Enqueue(big.NewInt(2))
	c.Assert(err, qt.IsNil)
	c.Assert(idx, qt.Equals, 2)
	c.Assert(q.NumLeaves(), qt.Equals, 3)
	root, err = q.CheckMerge(3)
	c.Assert(err, qt.IsNil)
	c.Assert(root.Cmp(treeRoot(c, 3, 2, zero, []*big.Int{big.NewInt(1), zero, big.NewInt(2)})), qt.Equals, 0)
	_, err = q.Enqueue(big.NewInt(3))
	c.Assert(err, qt.IsNil)
	_, err = q.CheckMerge(3)
	c.Assert(err, qt.IsNil)

	// merging a copy leaves the queue positions alone
	q, err = New(1, 2, zero)
	c.Assert(err, qt.IsNil)
	_, err = q.Enqueue(big.NewInt(1))
	c.Assert(err, qt.IsNil)
	_, err = q.Copy().CheckMerge(3)
	c.Assert(err, qt.IsNil)
	idx, err = q.Enqueue(big.NewInt(2))
	c.Assert(err, qt.IsNil)
	c.Assert(idx, qt.Equals, 1)
	root, err = q.Copy().CheckMerge(3)
	c.Assert(err, qt.IsNil)
	c.Assert(root.Cmp(treeRoot(c, 3, 2, zero, []*big.Int{big.NewInt(1), big.NewInt(2)})), qt.Equals, 0)
}

func TestCopyIsIndependent(t *testing.T) {
	c := qt.New(t)
	q, err := New(2, 5, big.NewInt(0))
	c.Assert(err, qt.IsNil)
	fillQueue(c, q, 10)
	c.Assert(q.MergeSubRoots(0), qt.IsNil)
	root, err := q.Merge(3)
	c.Assert(err, qt.IsNil)

	cp := q.Copy()
	_, err = cp.Enqueue(big.NewInt(7))
	c.Assert(err, qt.IsNil)
	c.Assert(cp.MergeSubRoots(0), qt.IsNil)
	cpRoot, err := cp.Merge(3)
	c.Assert(err, qt.IsNil)
	c.Assert(cpRoot.Cmp(root), qt.Not(qt.Equals), 0)

	stored, err := q.Root(3)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Cmp(root), qt.Equals, 0)
	// merging filled the partial subtree
	c.Assert(q.NumLeaves(), qt.Equals, 25)
}

func TestInvalidParams(t *testing.T) {
	c := qt.New(t)
	_, err := New(0, 5, big.NewInt(0))
	c.Assert(err, qt.ErrorIs, ErrInvalidParams)
	_, err = New(2, 3, big.NewInt(0))
	c.Assert(err, qt.ErrorIs, ErrInvalidParams)
}
