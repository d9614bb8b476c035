package membership

import (
	"fmt"
	"math/bits"

	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/veilsafe/recoverd/pkg/types"
)

// Tree is an in-memory RFC 6962 merkle tree over a friend set. Owners build
// it off-line to derive the commitment stored on the ledger and the per-friend
// proofs handed out for later approvals. The recovery service itself never
// constructs trees.
type Tree struct {
	leaves [][]byte
}

// NewTree builds a tree over the given friend identities, in order.
func NewTree(friends []types.Identity) *Tree {
	leaves := make([][]byte, len(friends))
	for i, f := range friends {
		leaf := make([]byte, types.IdentitySize)
		copy(leaf, f[:])
		leaves[i] = leaf
	}
	return &Tree{leaves: leaves}
}

// Size returns the number of leaves.
func (t *Tree) Size() uint64 {
	return uint64(len(t.leaves))
}

// Root returns the merkle root committing to the friend set.
func (t *Tree) Root() []byte {
	return t.subtreeRoot(0, uint64(len(t.leaves)))
}

// Prove returns the inclusion proof for the leaf at index i.
func (t *Tree) Prove(i uint64) (*Proof, error) {
	n := uint64(len(t.leaves))
	if i >= n {
		return nil, fmt.Errorf("leaf index %d out of range for tree of size %d", i, n)
	}
	return &Proof{
		Value:     t.leaves[i],
		LeafIndex: i,
		TreeSize:  n,
		Hashes:    t.path(i, 0, n),
	}, nil
}

// subtreeRoot computes the root of leaves[lo:hi) per RFC 6962: the split
// point is the largest power of two strictly less than the subtree size.
func (t *Tree) subtreeRoot(lo, hi uint64) []byte {
	switch n := hi - lo; n {
	case 0:
		return rfc6962.DefaultHasher.EmptyRoot()
	case 1:
		return rfc6962.DefaultHasher.HashLeaf(t.leaves[lo])
	default:
		k := splitPoint(n)
		return rfc6962.DefaultHasher.HashChildren(
			t.subtreeRoot(lo, lo+k),
			t.subtreeRoot(lo+k, hi),
		)
	}
}

func (t *Tree) path(i, lo, hi uint64) [][]byte {
	n := hi - lo
	if n <= 1 {
		return nil
	}
	k := splitPoint(n)
	if i-lo < k {
		return append(t.path(i, lo, lo+k), t.subtreeRoot(lo+k, hi))
	}
	return append(t.path(i, lo+k, hi), t.subtreeRoot(lo, lo+k))
}

func splitPoint(n uint64) uint64 {
	return uint64(1) << (bits.Len64(n-1) - 1)
}
