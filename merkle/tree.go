package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Tree is an in-memory merkle tree built over an ordered sequence of leaf
// hashes. Callers supply one hash per result row; the tree never sees the
// underlying row data. At any level with an odd node count the last node is
// paired with a duplicate of itself, and a parent is the SHA-256 of the
// hex-string concatenation of its children. Both rules are load-bearing:
// roots and proofs are not reproducible across implementations otherwise.
type Tree struct {
	levels [][]string
	mutex  sync.RWMutex
}

// NewTree constructs a tree over the given ordered leaf hashes
func NewTree(leafHashes []string) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, fmt.Errorf("failed to build merkle tree; no leaf hashes")
	}

	leaves := make([]string, len(leafHashes))
	for i, leaf := range leafHashes {
		if _, err := hex.DecodeString(leaf); err != nil {
			return nil, fmt.Errorf("failed to build merkle tree; leaf %d is not valid hex; %s", i, err.Error())
		}
		leaves[i] = leaf
	}

	tree := &Tree{
		levels: [][]string{leaves},
	}
	tree.build()

	return tree, nil
}

func (t *Tree) build() {
	current := t.levels[0]
	for len(current) > 1 {
		parents := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left // odd node count; the last node pairs with itself
			if i+1 < len(current) {
				right = current[i+1]
			}
			parents = append(parents, combine(left, right))
		}
		t.levels = append(t.levels, parents)
		current = parents
	}
}

// combine hashes the hex-string concatenation of the two child hashes
func combine(left, right string) string {
	digest := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(digest[:])
}

// Root returns the root hash of the tree
func (t *Tree) Root() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves in the tree
func (t *Tree) LeafCount() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.levels[0])
}

// Proof generates an inclusion proof for the leaf at the given index. At
// each level the sibling hash is collected with a direction flag: true when
// the sibling is the right child, meaning the running hash recombines on the
// left; false when the sibling is the left child.
func (t *Tree) Proof(index int) (*Proof, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	leaves := t.levels[0]
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("failed to generate merkle proof; leaf index %d out of bounds", index)
	}

	proof := &Proof{
		LeafIndex: index,
		LeafHash:  leaves[index],
	}

	i := index
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling string
		var siblingIsRight bool

		if i%2 == 0 {
			siblingIsRight = true
			if i+1 < len(nodes) {
				sibling = nodes[i+1]
			} else {
				sibling = nodes[i] // duplicated terminal node
			}
		} else {
			sibling = nodes[i-1]
		}

		proof.Hashes = append(proof.Hashes, sibling)
		proof.Directions = append(proof.Directions, siblingIsRight)
		i /= 2
	}

	return proof, nil
}
