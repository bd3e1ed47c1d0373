// Package tree implements a fixed arity incremental merkle tree. Leaves are
// appended left to right and can be updated in place; any node that was
// never written reads as the zero value of its level.
package tree

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
)

var (
	ErrInvalidArity    = errors.New("tree arity must be 2 or 5")
	ErrTreeFull        = errors.New("tree is full")
	ErrIndexOutOfRange = errors.New("leaf index out of range")
	ErrInvalidSubtree  = errors.New("invalid subtree range")
)

// Tree is an incremental merkle tree stored as an arena of (level, index)
// nodes plus the next free leaf index.
type Tree struct {
	depth     int
	arity     int
	zeroValue *big.Int
	zeros     []*big.Int
	hash      poseidon.HashFunc
	nodes     [][]*big.Int
	nextIndex int
}

// New creates an empty tree of the given depth where empty leaves hold
// zeroValue. Arity must be 2 or 5.
func New(depth int, zeroValue *big.Int, arity int) (*Tree, error) {
	if arity != 2 && arity != 5 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidArity, arity)
	}
	if depth < 0 {
		return nil, fmt.Errorf("invalid tree depth %d", depth)
	}
	hash, err := poseidon.ByArity(arity)
	if err != nil {
		return nil, err
	}
	zeros, err := Zeros(arity, zeroValue, depth)
	if err != nil {
		return nil, err
	}
	return &Tree{
		depth:     depth,
		arity:     arity,
		zeroValue: new(big.Int).Set(zeroValue),
		zeros:     zeros,
		hash:      hash,
		nodes:     make([][]*big.Int, depth+1),
	}, nil
}

// Capacity returns arity^depth, saturated at math.MaxInt.
func Capacity(arity, depth int) int {
	c := 1
	for range depth {
		if c > math.MaxInt/arity {
			return math.MaxInt
		}
		c *= arity
	}
	return c
}

// Accessors for the tree shape and the next free leaf position.
func (t *Tree) Depth() int          { return t.depth }
func (t *Tree) Arity() int          { return t.arity }
func (t *Tree) NextIndex() int      { return t.nextIndex }
func (t *Tree) ZeroValue() *big.Int { return t.zeroValue }
func (t *Tree) Capacity() int       { return Capacity(t.arity, t.depth) }

// Root returns the current root.
func (t *Tree) Root() *big.Int {
	return t.node(t.depth, 0)
}

// Leaf returns the leaf at index, which must have been inserted.
func (t *Tree) Leaf(index int) (*big.Int, error) {
	if index < 0 || index >= t.nextIndex {
		return nil, fmt.Errorf("%w: %d (next index %d)", ErrIndexOutOfRange, index, t.nextIndex)
	}
	return t.node(0, index), nil
}

// Insert appends a leaf.
func (t *Tree) Insert(leaf *big.Int) error {
	if t.nextIndex >= t.Capacity() {
		return ErrTreeFull
	}
	index := t.nextIndex
	t.set(0, index, leaf)
	if err := t.recompute(index); err != nil {
		return err
	}
	t.nextIndex++
	return nil
}

// Update replaces an already inserted leaf.
func (t *Tree) Update(index int, leaf *big.Int) error {
	if index < 0 || index >= t.nextIndex {
		return fmt.Errorf("%w: %d (next index %d)", ErrIndexOutOfRange, index, t.nextIndex)
	}
	t.set(0, index, leaf)
	return t.recompute(index)
}

func (t *Tree) node(level, index int) *big.Int {
	if index < len(t.nodes[level]) && t.nodes[level][index] != nil {
		return t.nodes[level][index]
	}
	return t.zeros[level]
}

func (t *Tree) set(level, index int, value *big.Int) {
	if index >= len(t.nodes[level]) {
		t.nodes[level] = append(t.nodes[level], make([]*big.Int, index+1-len(t.nodes[level]))...)
	}
	t.nodes[level][index] = new(big.Int).Set(value)
}

func (t *Tree) children(level, parent int) []*big.Int {
	children := make([]*big.Int, t.arity)
	for k := range children {
		children[k] = t.node(level, parent*t.arity+k)
	}
	return children
}

// recompute rehashes every ancestor of the leaf at index.
func (t *Tree) recompute(index int) error {
	for level := range t.depth {
		index /= t.arity
		h, err := t.hash(t.children(level, index))
		if err != nil {
			return fmt.Errorf("hash level %d: %w", level, err)
		}
		t.nodes[level+1] = growTo(t.nodes[level+1], index)
		t.nodes[level+1][index] = h
	}
	return nil
}

func growTo(s []*big.Int, index int) []*big.Int {
	if index < len(s) {
		return s
	}
	return append(s, make([]*big.Int, index+1-len(s))...)
}

// Copy returns an independent copy of the tree. Node values are never
// mutated in place, so only the arena slices are cloned.
func (t *Tree) Copy() *Tree {
	nodes := make([][]*big.Int, len(t.nodes))
	for i, level := range t.nodes {
		nodes[i] = append([]*big.Int(nil), level...)
	}
	cp := *t
	cp.nodes = nodes
	return &cp
}

// Equal reports whether both trees share shape, zero value and leaves.
func (t *Tree) Equal(other *Tree) bool {
	if t.depth != other.depth || t.arity != other.arity || t.nextIndex != other.nextIndex ||
		t.zeroValue.Cmp(other.zeroValue) != 0 {
		return false
	}
	return t.Root().Cmp(other.Root()) == 0
}
