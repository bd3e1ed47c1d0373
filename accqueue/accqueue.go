// Package accqueue implements the accumulator queue used on chain to collect
// signups and messages. Leaves are folded into fixed depth subtrees as they
// arrive; merging combines the subtree roots into a main root of any depth
// large enough to hold them.
package accqueue

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/tree"
)

// MaxDepth is the deepest main tree the queue can be merged into.
const MaxDepth = 32

var (
	ErrQueueFull           = errors.New("accumulator queue is full")
	ErrSubRootsNotMerged   = errors.New("subroots are not merged")
	ErrDepthTooSmall       = errors.New("depth too small to hold all leaves")
	ErrDepthTooLarge       = errors.New("depth exceeds the maximum depth")
	ErrNotMerged           = errors.New("no merged root for this depth")
	ErrAccumulatorMismatch = errors.New("batched and direct merge roots differ")
	ErrInvalidParams       = errors.New("invalid accumulator queue parameters")
)

// queue holds the pending nodes of every level of a subtree under
// construction. Each level keeps at most arity-1 nodes before they are
// hashed into the next level.
type queue struct {
	levels  [][]*big.Int
	indices []int
}

func newQueue(levels, arity int) queue {
	q := queue{levels: make([][]*big.Int, levels), indices: make([]int, levels)}
	for i := range q.levels {
		q.levels[i] = make([]*big.Int, arity)
	}
	return q
}

func (q queue) copy() queue {
	cp := queue{levels: make([][]*big.Int, len(q.levels)), indices: append([]int(nil), q.indices...)}
	for i, l := range q.levels {
		cp.levels[i] = append([]*big.Int(nil), l...)
	}
	return cp
}

// AccQueue is an accumulator queue of the given arity whose leaves are
// batched into subtrees of depth subDepth.
type AccQueue struct {
	subDepth  int
	arity     int
	zeroValue *big.Int
	zeros     []*big.Int
	hash      poseidon.HashFunc

	leafQueue    queue
	subRootQueue queue

	leaves              []*big.Int
	subRoots            []*big.Int
	currentSubtreeIndex int
	numLeaves           int

	nextSRIndexToQueue int
	smallSRTRoot       *big.Int
	subTreesMerged     bool
	mainRoots          map[int]*big.Int
}

// New creates an empty queue. Arity must be 2 or 5 and subDepth positive.
func New(subDepth, arity int, zeroValue *big.Int) (*AccQueue, error) {
	if subDepth < 1 || subDepth > MaxDepth {
		return nil, fmt.Errorf("%w: sub depth %d", ErrInvalidParams, subDepth)
	}
	hash, err := poseidon.ByArity(arity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	zeros, err := tree.Zeros(arity, zeroValue, MaxDepth)
	if err != nil {
		return nil, err
	}
	return &AccQueue{
		subDepth:     subDepth,
		arity:        arity,
		zeroValue:    new(big.Int).Set(zeroValue),
		zeros:        zeros,
		hash:         hash,
		leafQueue:    newQueue(MaxDepth+1, arity),
		subRootQueue: newQueue(MaxDepth+1, arity),
		mainRoots:    make(map[int]*big.Int),
	}, nil
}

// SubDepth returns the depth of the subtrees leaves are batched into.
func (q *AccQueue) SubDepth() int { return q.subDepth }

// Arity returns the number of children of every node.
func (q *AccQueue) Arity() int { return q.arity }

// NumLeaves returns the number of leaf positions taken, including the zeros
// added by Fill.
func (q *AccQueue) NumLeaves() int { return q.numLeaves }

// NumSubtrees returns the number of completed (or filled) subtrees.
func (q *AccQueue) NumSubtrees() int { return q.currentSubtreeIndex }

// SubTreesMerged reports whether every subroot has been merged.
func (q *AccQueue) SubTreesMerged() bool { return q.subTreesMerged }

// ZeroValue returns the root of an empty tree of the given depth.
func (q *AccQueue) ZeroValue(depth int) *big.Int { return q.zeros[depth] }

func (q *AccQueue) subTreeCapacity() int { return tree.Capacity(q.arity, q.subDepth) }

// SubRoot returns the root of the i-th subtree.
func (q *AccQueue) SubRoot(i int) (*big.Int, error) {
	if i < 0 || i >= len(q.subRoots) {
		return nil, fmt.Errorf("subroot %d out of range, %d subroots", i, len(q.subRoots))
	}
	return q.subRoots[i], nil
}

// push stores a node at level, hashing the level into the next one when it
// becomes full. Nodes above maxLevel are dropped.
func (q *AccQueue) push(qu *queue, leaf *big.Int, level, maxLevel int) error {
	for level <= maxLevel {
		n := qu.indices[level]
		if n != q.arity-1 {
			qu.levels[level][n] = leaf
			qu.indices[level]++
			return nil
		}
		children := make([]*big.Int, q.arity)
		copy(children, qu.levels[level][:q.arity-1])
		children[q.arity-1] = leaf
		hashed, err := q.hash(children)
		if err != nil {
			return fmt.Errorf("hash queue level %d: %w", level, err)
		}
		clear(qu.levels[level])
		qu.indices[level] = 0
		leaf = hashed
		level++
	}
	return nil
}

// invalidate drops every merge result after the leaf set changes.
func (q *AccQueue) invalidate() {
	q.subTreesMerged = false
	q.smallSRTRoot = nil
	q.nextSRIndexToQueue = 0
	q.subRootQueue = newQueue(MaxDepth+1, q.arity)
	clear(q.mainRoots)
}

// Enqueue appends a leaf and returns its index.
func (q *AccQueue) Enqueue(leaf *big.Int) (int, error) {
	if q.numLeaves >= tree.Capacity(q.arity, MaxDepth) {
		return 0, ErrQueueFull
	}
	if err := q.push(&q.leafQueue, leaf, 0, q.subDepth); err != nil {
		return 0, err
	}
	index := q.numLeaves
	q.leaves = append(q.leaves, new(big.Int).Set(leaf))
	q.numLeaves++
	q.invalidate()

	if q.numLeaves%q.subTreeCapacity() == 0 {
		q.subRoots = append(q.subRoots, q.leafQueue.levels[q.subDepth][0])
		q.currentSubtreeIndex++
		q.leafQueue = newQueue(MaxDepth+1, q.arity)
	}
	return index, nil
}

// Fill pads the current subtree with zeros and records its root. If the
// current subtree is empty, an all-zero subtree is recorded. The padded
// positions count as leaves, so the next enqueue starts a new subtree.
func (q *AccQueue) Fill() error {
	capacity := q.subTreeCapacity()
	if q.numLeaves%capacity == 0 {
		q.subRoots = append(q.subRoots, q.zeros[q.subDepth])
	} else {
		for level := range q.subDepth {
			n := q.leafQueue.indices[level]
			if n == 0 {
				continue
			}
			for i := n; i < q.arity; i++ {
				q.leafQueue.levels[level][i] = q.zeros[level]
			}
			hashed, err := q.hash(q.leafQueue.levels[level])
			if err != nil {
				return fmt.Errorf("fill level %d: %w", level, err)
			}
			q.leafQueue.indices[level] = 0
			clear(q.leafQueue.levels[level])
			if err := q.push(&q.leafQueue, hashed, level+1, q.subDepth); err != nil {
				return err
			}
		}
		q.subRoots = append(q.subRoots, q.leafQueue.levels[q.subDepth][0])
		q.leafQueue = newQueue(MaxDepth+1, q.arity)
	}
	q.currentSubtreeIndex++
	q.numLeaves = q.currentSubtreeIndex * capacity
	// the padding takes leaf positions, later enqueues start after it
	for len(q.leaves) < q.numLeaves {
		q.leaves = append(q.leaves, q.zeroValue)
	}
	q.invalidate()
	return nil
}

// CalcSRTDepth returns the depth of the smallest tree holding every subtree.
func (q *AccQueue) CalcSRTDepth() int {
	return q.srtDepthFor(len(q.subRoots))
}

func (q *AccQueue) srtDepthFor(numSubtrees int) int {
	depth := q.subDepth
	for tree.Capacity(q.arity, depth) < numSubtrees*q.subTreeCapacity() {
		depth++
	}
	return depth
}

// depthFromNumLeaves returns the depth (at least 1) of the smallest tree of
// the queue arity with room for n leaves.
func (q *AccQueue) depthFromNumLeaves(n int) int {
	depth := 1
	for tree.Capacity(q.arity, depth) < n {
		depth++
	}
	return depth
}

// MergeSubRoots folds the subtree roots into the smallest subroot tree. A
// partially filled last subtree is padded with zeros first. With
// numSrQueueOps > 0 at most that many subroots are queued per call, the
// newest ones stay pending and the merge completes on a later call. Calling
// it once everything is merged is a no-op.
func (q *AccQueue) MergeSubRoots(numSrQueueOps int) error {
	if q.subTreesMerged {
		return nil
	}
	if q.numLeaves == 0 {
		q.smallSRTRoot = q.zeros[q.subDepth]
		q.subTreesMerged = true
		return nil
	}
	if q.numLeaves%q.subTreeCapacity() != 0 {
		if err := q.Fill(); err != nil {
			return err
		}
	}
	if q.currentSubtreeIndex == 1 {
		q.smallSRTRoot = q.subRoots[0]
		q.subTreesMerged = true
		return nil
	}

	depth := q.depthFromNumLeaves(q.currentSubtreeIndex)
	for ops := 0; q.nextSRIndexToQueue < q.currentSubtreeIndex; ops++ {
		if numSrQueueOps != 0 && ops == numSrQueueOps {
			return nil
		}
		if err := q.push(&q.subRootQueue, q.subRoots[q.nextSRIndexToQueue], 0, depth); err != nil {
			return err
		}
		q.nextSRIndexToQueue++
	}
	for i := q.currentSubtreeIndex; i < tree.Capacity(q.arity, depth); i++ {
		if err := q.push(&q.subRootQueue, q.zeros[q.subDepth], 0, depth); err != nil {
			return err
		}
	}
	q.smallSRTRoot = q.subRootQueue.levels[depth][0]
	q.subTreesMerged = true
	return nil
}

// Merge computes the main root at depth from the merged subroots. The result
// is cached until the next enqueue.
func (q *AccQueue) Merge(depth int) (*big.Int, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrDepthTooLarge, depth)
	}
	if root, ok := q.mainRoots[depth]; ok {
		return root, nil
	}
	if q.numLeaves == 0 {
		q.mainRoots[depth] = q.zeros[depth]
		return q.zeros[depth], nil
	}
	if !q.subTreesMerged {
		return nil, ErrSubRootsNotMerged
	}
	srtDepth := q.CalcSRTDepth()
	if depth < srtDepth {
		return nil, fmt.Errorf("%w: depth %d, subroot tree depth %d", ErrDepthTooSmall, depth, srtDepth)
	}
	root := q.smallSRTRoot
	for i := srtDepth; i < depth; i++ {
		inputs := make([]*big.Int, q.arity)
		inputs[0] = root
		for j := 1; j < q.arity; j++ {
			inputs[j] = q.zeros[i]
		}
		var err error
		if root, err = q.hash(inputs); err != nil {
			return nil, fmt.Errorf("merge level %d: %w", i, err)
		}
	}
	q.mainRoots[depth] = root
	return root, nil
}

// MergeDirect rebuilds a full tree of the given depth from the raw leaves,
// without subtree batching, and returns its root. The queue is not modified.
func (q *AccQueue) MergeDirect(depth int) (*big.Int, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrDepthTooLarge, depth)
	}
	numSubtrees := (q.numLeaves + q.subTreeCapacity() - 1) / q.subTreeCapacity()
	if srtDepth := q.srtDepthFor(numSubtrees); depth < srtDepth {
		return nil, fmt.Errorf("%w: depth %d, subroot tree depth %d", ErrDepthTooSmall, depth, srtDepth)
	}
	t, err := tree.New(depth, q.zeroValue, q.arity)
	if err != nil {
		return nil, err
	}
	for _, leaf := range q.leaves {
		if err := t.Insert(leaf); err != nil {
			return nil, err
		}
	}
	return t.Root(), nil
}

// CheckMerge merges to depth with both algorithms and fails with
// ErrAccumulatorMismatch if they disagree. The merged root is cached. A
// partial last subtree is filled, use it on a Copy to keep enqueuing at the
// current position.
func (q *AccQueue) CheckMerge(depth int) (*big.Int, error) {
	if err := q.MergeSubRoots(0); err != nil {
		return nil, err
	}
	root, err := q.Merge(depth)
	if err != nil {
		return nil, err
	}
	direct, err := q.MergeDirect(depth)
	if err != nil {
		return nil, err
	}
	if root.Cmp(direct) != 0 {
		return nil, fmt.Errorf("%w: depth %d, batched %s, direct %s", ErrAccumulatorMismatch, depth, root, direct)
	}
	return root, nil
}

// HasRoot reports whether a merged root is available for depth.
func (q *AccQueue) HasRoot(depth int) bool {
	if q.numLeaves == 0 {
		return depth <= MaxDepth
	}
	_, ok := q.mainRoots[depth]
	return ok
}

// Root returns the merged root at depth. An empty queue has the zero root
// at every depth.
func (q *AccQueue) Root(depth int) (*big.Int, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrDepthTooLarge, depth)
	}
	if q.numLeaves == 0 {
		return q.zeros[depth], nil
	}
	root, ok := q.mainRoots[depth]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotMerged, depth)
	}
	return root, nil
}

// Copy returns an independent copy of the queue.
func (q *AccQueue) Copy() *AccQueue {
	cp := *q
	cp.leafQueue = q.leafQueue.copy()
	cp.subRootQueue = q.subRootQueue.copy()
	cp.leaves = append([]*big.Int(nil), q.leaves...)
	cp.subRoots = append([]*big.Int(nil), q.subRoots...)
	cp.mainRoots = make(map[int]*big.Int, len(q.mainRoots))
	for d, r := range q.mainRoots {
		cp.mainRoots[d] = r
	}
	return &cp
}
