// Command friendset is owner-side tooling: it builds the merkle commitment
// for a friend set and the per-friend inclusion proofs that friends present
// when approving a recovery. Run it off-line; only the printed root goes
// on the ledger.
//
// Usage:
//
//	friendset <friend-identity-hex> [<friend-identity-hex>...]
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/veilsafe/recoverd/pkg/membership"
	"github.com/veilsafe/recoverd/pkg/types"
)

type output struct {
	Root   string              `json:"friends_root"`
	Size   uint64              `json:"tree_size"`
	Proofs []*membership.Proof `json:"proofs"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: friendset <friend-identity-hex> [<friend-identity-hex>...]")
		os.Exit(2)
	}

	friends := make([]types.Identity, 0, len(os.Args)-1)
	for _, arg := range os.Args[1:] {
		id, err := types.ParseIdentity(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid friend identity %q: %v\n", arg, err)
			os.Exit(2)
		}
		friends = append(friends, id)
	}

	tree := membership.NewTree(friends)
	out := output{
		Root: hex.EncodeToString(tree.Root()),
		Size: tree.Size(),
	}
	for i := range friends {
		p, err := tree.Prove(uint64(i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "build proof for leaf %d: %v\n", i, err)
			os.Exit(1)
		}
		out.Proofs = append(out.Proofs, p)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
}
