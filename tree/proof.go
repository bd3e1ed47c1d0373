package tree

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
)

// Proof is a merkle path from Leaf up to Root. PathElements holds the
// arity-1 siblings of each level and Indices the position of the path node
// among its siblings.
type Proof struct {
	Leaf         *big.Int
	PathElements [][]*big.Int
	Indices      []int
	Root         *big.Int
}

// Proof returns the merkle path of an inserted leaf.
func (t *Tree) Proof(index int) (*Proof, error) {
	if index < 0 || index >= t.nextIndex {
		return nil, fmt.Errorf("%w: %d (next index %d)", ErrIndexOutOfRange, index, t.nextIndex)
	}
	return t.pathFrom(0, index), nil
}

// SubrootProof returns the path from the root of the subtree covering the
// leaves [start, end) up to the tree root. The range must hold arity^k
// leaves and be aligned to its size. Leaves beyond NextIndex read as zero.
func (t *Tree) SubrootProof(start, end int) (*Proof, error) {
	size := end - start
	level := 0
	for s := 1; s < size; s *= t.arity {
		level++
	}
	if size <= 0 || Capacity(t.arity, level) != size || start%size != 0 || level > t.depth ||
		end > t.Capacity() {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidSubtree, start, end)
	}
	return t.pathFrom(level, start/size), nil
}

func (t *Tree) pathFrom(level, index int) *Proof {
	p := &Proof{
		Leaf: t.node(level, index),
		Root: t.Root(),
	}
	for l := level; l < t.depth; l++ {
		pos := index % t.arity
		siblings := make([]*big.Int, 0, t.arity-1)
		for k := range t.arity {
			if k != pos {
				siblings = append(siblings, t.node(l, index-pos+k))
			}
		}
		p.PathElements = append(p.PathElements, siblings)
		p.Indices = append(p.Indices, pos)
		index /= t.arity
	}
	return p
}

// Verify recomputes the root of the proof using the hash of the given arity.
func Verify(p *Proof, arity int) (bool, error) {
	hash, err := poseidon.ByArity(arity)
	if err != nil {
		return false, err
	}
	if len(p.PathElements) != len(p.Indices) {
		return false, fmt.Errorf("proof has %d levels of path elements and %d indices",
			len(p.PathElements), len(p.Indices))
	}
	current := p.Leaf
	for i, siblings := range p.PathElements {
		pos := p.Indices[i]
		if len(siblings) != arity-1 || pos < 0 || pos >= arity {
			return false, nil
		}
		children := make([]*big.Int, 0, arity)
		children = append(children, siblings[:pos]...)
		children = append(children, current)
		children = append(children, siblings[pos:]...)
		if current, err = hash(children); err != nil {
			return false, err
		}
	}
	return current.Cmp(p.Root) == 0, nil
}
