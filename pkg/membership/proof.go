// Package membership validates claims that an identity belongs to a committed
// friend set. The set itself is never stored; only its RFC 6962 merkle root
// is, and a friend reveals themselves by presenting an inclusion proof.
package membership

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
)

// ErrProofInvalid is returned when an inclusion proof does not verify
// against the committed root.
var ErrProofInvalid = errors.New("merkle inclusion proof invalid")

// Proof is a merkle inclusion proof for one leaf of a friend-set tree.
// Proof generation happens off-line (see Tree); the service only validates.
type Proof struct {
	// Value is the raw leaf the proof speaks for, i.e. the claimed
	// friend identity bytes.
	Value []byte `json:"value"`
	// LeafIndex is the position of the leaf in the tree.
	LeafIndex uint64 `json:"leaf_index"`
	// TreeSize is the number of leaves in the committed tree.
	TreeSize uint64 `json:"tree_size"`
	// Hashes are the sibling hashes from the leaf up to the root.
	Hashes [][]byte `json:"hashes"`
}

// Validate checks the proof against a committed friend-set root.
func (p *Proof) Validate(root []byte) error {
	leafHash := rfc6962.DefaultHasher.HashLeaf(p.Value)
	if err := proof.VerifyInclusion(rfc6962.DefaultHasher, p.LeafIndex, p.TreeSize, leafHash, p.Hashes, root); err != nil {
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}
	return nil
}
