// Package treesync maintains a local append-only Merkle tree of on-chain
// note commitments and backfills note records with inclusion proofs.
package treesync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitsage/vm31-relayer/internal/chain"
)

// Tree is an append-only Merkle tree over commitment digests. Leaves arrive
// in on-chain insertion order; the tree is padded with zero digests to the
// next power of two when computing roots and proofs.
type Tree struct {
	leaves []chain.Digest
	// index maps digest → leaf position for on-demand lookups.
	index map[chain.Digest]uint64
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{index: make(map[chain.Digest]uint64)}
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.leaves)
}

// Append adds a leaf at the next position.
func (t *Tree) Append(d chain.Digest) {
	if _, dup := t.index[d]; !dup {
		t.index[d] = uint64(len(t.leaves))
	}
	t.leaves = append(t.leaves, d)
}

// FindCommitment returns the leaf index of a digest.
func (t *Tree) FindCommitment(d chain.Digest) (uint64, bool) {
	idx, ok := t.index[d]
	return idx, ok
}

// depth returns the tree height for the current leaf count.
func (t *Tree) depth() int {
	n := len(t.leaves)
	if n <= 1 {
		return 1
	}
	d := 0
	for capacity := 1; capacity < n; capacity <<= 1 {
		d++
	}
	return d
}

// levelNode returns the digest of node i at the given level, padding with
// zero digests beyond the populated range. Level 0 is the leaves.
func (t *Tree) levelNode(level int, i uint64) chain.Digest {
	if level == 0 {
		if i < uint64(len(t.leaves)) {
			return t.leaves[i]
		}
		return chain.ZeroDigest
	}
	return chain.HashNodes(t.levelNode(level-1, i*2), t.levelNode(level-1, i*2+1))
}

// Root computes the current root.
func (t *Tree) Root() chain.Digest {
	return t.levelNode(t.depth(), 0)
}

// Prove produces the inclusion path for a leaf index.
func (t *Tree) Prove(leafIndex uint64) (chain.MerklePath, error) {
	if leafIndex >= uint64(len(t.leaves)) {
		return chain.MerklePath{}, fmt.Errorf("leaf index %d out of range (size %d)", leafIndex, len(t.leaves))
	}

	depth := t.depth()
	siblings := make([]chain.Digest, 0, depth)
	idx := leafIndex
	for level := 0; level < depth; level++ {
		siblings = append(siblings, t.levelNode(level, idx^1))
		idx >>= 1
	}

	return chain.MerklePath{Siblings: siblings, Index: leafIndex}, nil
}

// Verify checks an inclusion path against a root.
func Verify(leaf chain.Digest, path chain.MerklePath, root chain.Digest) bool {
	node := leaf
	idx := path.Index
	for _, sibling := range path.Siblings {
		if idx&1 == 0 {
			node = chain.HashNodes(node, sibling)
		} else {
			node = chain.HashNodes(sibling, node)
		}
		idx >>= 1
	}
	return node == root
}

// treeCache is the on-disk JSON form of the tree.
type treeCache struct {
	Leaves []chain.Digest `json:"leaves"`
}

// LoadOrCreate loads the cached tree from path, or returns an empty tree if
// the cache does not exist.
func LoadOrCreate(path string) (*Tree, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewTree(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tree cache: %w", err)
	}

	var cache treeCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		return nil, fmt.Errorf("parsing tree cache: %w", err)
	}

	tree := NewTree()
	for _, leaf := range cache.Leaves {
		tree.Append(leaf)
	}
	return tree, nil
}

// Save writes the tree to its cache file.
func (t *Tree) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	raw, err := json.Marshal(treeCache{Leaves: t.leaves})
	if err != nil {
		return fmt.Errorf("serializing tree cache: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing tree cache: %w", err)
	}
	return nil
}

// DefaultCachePath is the tree cache location when none is configured.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tree_cache.json"
	}
	return filepath.Join(home, ".vm31", "tree_cache.json")
}
