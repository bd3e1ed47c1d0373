package tree

import (
	"fmt"
	"math/big"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
)

const zerosCacheSize = 64

// zerosCache memoizes zero tables per (arity, zero value, depth). Every poll
// builds several trees sharing a handful of shapes.
var zerosCache, _ = lru.New[string, []*big.Int](zerosCacheSize)

// Zeros returns the zero value of each level from the leaves (index 0) to
// the root (index depth). The returned values must not be mutated.
func Zeros(arity int, zeroValue *big.Int, depth int) ([]*big.Int, error) {
	key := fmt.Sprintf("%d/%s/%d", arity, zeroValue, depth)
	if zeros, ok := zerosCache.Get(key); ok {
		return slices.Clone(zeros), nil
	}
	hash, err := poseidon.ByArity(arity)
	if err != nil {
		return nil, err
	}
	zeros := make([]*big.Int, depth+1)
	zeros[0] = new(big.Int).Set(zeroValue)
	for i := 1; i <= depth; i++ {
		children := make([]*big.Int, arity)
		for k := range children {
			children[k] = zeros[i-1]
		}
		if zeros[i], err = hash(children); err != nil {
			return nil, fmt.Errorf("zero of level %d: %w", i, err)
		}
	}
	zerosCache.Add(key, zeros)
	return slices.Clone(zeros), nil
}
